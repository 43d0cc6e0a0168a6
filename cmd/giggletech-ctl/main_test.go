package main

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildRequest(t *testing.T) {
	tests := []struct {
		args    []string
		want    string
		wantErr bool
	}{
		{args: []string{"stop"}, want: `{"type":"emergency_stop","data":{"origin":"giggletech-ctl"}}`},
		{args: []string{"emergency-stop"}, want: `{"type":"emergency_stop","data":{"origin":"giggletech-ctl"}}`},
		{args: []string{"max-speed", "40"}, want: `{"type":"set_max_speed","data":{"value":0.4}}`},
		{args: []string{"status"}, want: `{"type":"status"}`},
		{args: []string{"max-speed"}, wantErr: true},
		{args: []string{"max-speed", "fast"}, wantErr: true},
		{args: []string{"reboot"}, wantErr: true},
		{args: nil, wantErr: true},
	}

	for _, tt := range tests {
		req, err := buildRequest(tt.args)
		if tt.wantErr {
			assert.Error(t, err, "%v", tt.args)
			continue
		}
		require.NoError(t, err, "%v", tt.args)
		b, err := json.Marshal(req)
		require.NoError(t, err)
		assert.JSONEq(t, tt.want, string(b), "%v", tt.args)
	}

	req, err := buildRequest([]string{"help"})
	assert.NoError(t, err)
	assert.Nil(t, req)
}

func TestDefaultSocketPathMatchesRouterDefault(t *testing.T) {
	assert.Equal(t, "/tmp/giggletech.sock", defaultSocketPath)
}
