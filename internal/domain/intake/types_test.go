package intake

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePayloadKeepsRaw(t *testing.T) {
	raw := json.RawMessage(`{
		"patient_name": "Jane Doe",
		"email": "JANE@x.com",
		"complaints": [{"bodyRegion": "Knee"}, {"bodyRegion": "Hip"}],
		"insurance_member_id": "XYZ-123"
	}`)

	p, err := ParsePayload(raw)
	require.NoError(t, err)

	assert.Equal(t, "Jane Doe", p.PatientName)
	assert.Equal(t, "JANE@x.com", p.Email)
	require.Len(t, p.Complaints, 2)
	assert.Equal(t, "Knee", p.Complaints[0].BodyRegion)

	// The unknown insurance field survives untouched in the raw bytes.
	assert.JSONEq(t, string(raw), string(p.Bytes()))
}

func TestParsePayloadEmpty(t *testing.T) {
	p, err := ParsePayload(nil)
	require.NoError(t, err)
	assert.Empty(t, p.PatientName)
	assert.NotEmpty(t, p.Bytes())
}

func TestPayloadNameSplit(t *testing.T) {
	p := Payload{PatientName: "Jane Doe"}
	assert.Equal(t, "Jane", p.FirstName())
	assert.Equal(t, "Doe", p.LastName())

	single := Payload{PatientName: "Cher"}
	assert.Equal(t, "Cher", single.FirstName())
	assert.Empty(t, single.LastName())
}

func TestCheckpointRank(t *testing.T) {
	assert.Equal(t, 0, CheckpointStarted.Rank())
	assert.Equal(t, 4, CheckpointEpisodeOpened.Rank())
	assert.Equal(t, -1, Checkpoint("bogus").Rank())
	assert.Greater(t, CheckpointIntakeCompleted.Rank(), CheckpointIntakeStarted.Rank())
}
