package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueStatusTerminal(t *testing.T) {
	assert.False(t, StatusPending.Terminal())
	assert.True(t, StatusSynced.Terminal())
	assert.True(t, StatusConflict.Terminal())
	assert.True(t, StatusFailed.Terminal())
}

func TestInventoryAffecting(t *testing.T) {
	assert.True(t, EntityStockMovement.InventoryAffecting())
	assert.False(t, EntityProduct.InventoryAffecting())
	assert.False(t, EntitySale.InventoryAffecting())
}

func TestEnvelopeRoundTrip(t *testing.T) {
	encoded, err := NewEnvelope(EntitySale, json.RawMessage(`{"total":10}`)).Encode()
	require.NoError(t, err)

	envelope, err := DecodeEnvelope(encoded)
	require.NoError(t, err)
	assert.Equal(t, EnvelopeSchemaVersion, envelope.SchemaVersion)
	assert.Equal(t, EntitySale, envelope.EntityType)
	assert.JSONEq(t, `{"total":10}`, string(envelope.Data))
}

func TestDecodeEnvelopeRejectsMissingVersion(t *testing.T) {
	_, err := DecodeEnvelope(`{"entity_type":"sale","data":{}}`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "schema version")
}

func TestDecodeEnvelopeRejectsGarbage(t *testing.T) {
	_, err := DecodeEnvelope(`{"broken`)
	assert.Error(t, err)
}
