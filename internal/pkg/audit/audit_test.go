package audit

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToModel(t *testing.T) {
	row, err := ToModel(Entry{
		Action:     "ACTIVATE",
		Resource:   "subscribers",
		ResourceID: "7",
		OldData:    map[string]any{"active": false},
		NewData:    map[string]any{"active": true},
		Actor:      Actor{ID: "admin-1", Role: RoleAdmin},
		Details:    map[string]any{"exemption": true},
	})
	require.NoError(t, err)

	assert.Equal(t, "ACTIVATE", row.Action)
	assert.Equal(t, "7", row.ResourceID)
	assert.Equal(t, "admin-1", row.ActorID)
	assert.Len(t, row.CorrelationID, 36)

	var details map[string]any
	require.NoError(t, json.Unmarshal(row.Details, &details))
	assert.Equal(t, true, details["exemption"])
	assert.JSONEq(t, `{"active":true}`, string(row.NewData))
}

func TestToModel_NilSnapshots(t *testing.T) {
	row, err := ToModel(Entry{Action: "DEACTIVATE", Resource: "subscribers", ResourceID: "1"})
	require.NoError(t, err)
	assert.Equal(t, "null", string(row.OldData))
}

func TestToModel_RequiresIdentity(t *testing.T) {
	_, err := ToModel(Entry{Resource: "subscribers", ResourceID: "1"})
	assert.Error(t, err)

	_, err = ToModel(Entry{Action: "ACTIVATE", Resource: "subscribers"})
	assert.Error(t, err)
}
