package archive

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDirectionString(t *testing.T) {
	assert.Equal(t, "in", Inbound.String())
	assert.Equal(t, "out", Outbound.String())
}

func TestFrameRoundTripsThroughJSON(t *testing.T) {
	f := Frame{SessionID: 7, Direction: Outbound, SeqNo: 42, Data: []byte{0x01, 0x02}, TimeMs: 1000}

	data, err := json.Marshal(f)
	require.NoError(t, err)

	var decoded Frame
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, f, decoded)
}
