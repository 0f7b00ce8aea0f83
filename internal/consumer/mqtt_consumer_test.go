package consumer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeviceIDFromTopic(t *testing.T) {
	tests := []struct {
		name    string
		topic   string
		want    string
		wantErr bool
	}{
		{
			name:  "standard telemetry topic",
			topic: "trustchain/device/dev-001/telemetry",
			want:  "dev-001",
		},
		{
			name:  "device id with colons",
			topic: "trustchain/device/aa:bb:cc:dd/telemetry",
			want:  "aa:bb:cc:dd",
		},
		{
			name:    "missing device segment",
			topic:   "trustchain/device//telemetry",
			wantErr: true,
		},
		{
			name:    "too short",
			topic:   "trustchain/device",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DeviceIDFromTopic(tt.topic)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
