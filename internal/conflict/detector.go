package conflict

import (
	"encoding/json"
	"fmt"
	"time"

	"salesync/internal/models"
)

// DetectionContext carries the metadata Detect needs besides the two
// snapshots themselves.
type DetectionContext struct {
	EntityType    models.EntityType
	EntityID      string
	DeviceID      string
	SyncSessionID string
}

// Detector compares client and server snapshots of an entity. It holds no
// state besides the divergence threshold and performs no I/O.
type Detector struct {
	updateThreshold time.Duration
}

// NewDetector builds a detector. A non-positive threshold falls back to one
// second of allowed clock divergence.
func NewDetector(updateThreshold time.Duration) *Detector {
	if updateThreshold <= 0 {
		updateThreshold = time.Second
	}
	return &Detector{updateThreshold: updateThreshold}
}

// Detect reports the conflicts between the two snapshots. Checks run in a
// fixed order and the first match wins: presence, version, update timestamps.
// Identical or compatibly-changed snapshots produce no conflicts.
func (d *Detector) Detect(clientData, serverData json.RawMessage, dc DetectionContext) []models.Conflict {
	clientPresent := len(clientData) > 0 && string(clientData) != "null"
	serverPresent := len(serverData) > 0 && string(serverData) != "null"

	if !clientPresent && !serverPresent {
		return nil
	}

	if clientPresent != serverPresent {
		return []models.Conflict{d.newConflict(
			models.ConflictCreateCreate,
			clientData, serverData, dc,
			"entity exists on only one side",
		)}
	}

	client := parseObject(clientData)
	server := parseObject(serverData)

	if cv, sv, ok := versions(client, server); ok && cv != sv {
		return []models.Conflict{d.newConflict(
			models.ConflictVersion,
			clientData, serverData, dc,
			fmt.Sprintf("version mismatch: client %s, server %s", cv, sv),
		)}
	}

	clientTS, clientOK := timestampField(client, "updated_at")
	serverTS, serverOK := timestampField(server, "updated_at")
	if clientOK && serverOK {
		diff := clientTS.Sub(serverTS)
		if diff < 0 {
			diff = -diff
		}
		if diff > d.updateThreshold {
			c := d.newConflict(
				models.ConflictUpdateUpdate,
				clientData, serverData, dc,
				fmt.Sprintf("concurrent updates %s apart", diff),
			)
			c.ClientTimestamp = clientTS
			c.ServerTimestamp = serverTS
			return []models.Conflict{c}
		}
	}

	return nil
}

func (d *Detector) newConflict(conflictType models.ConflictType, clientData, serverData json.RawMessage, dc DetectionContext, reason string) models.Conflict {
	return models.Conflict{
		EntityType:    dc.EntityType,
		EntityID:      dc.EntityID,
		Type:          conflictType,
		Severity:      SeverityFor(conflictType, dc.EntityType),
		Status:        models.ConflictPending,
		ClientData:    clientData,
		ServerData:    serverData,
		Reason:        reason,
		DeviceID:      dc.DeviceID,
		SyncSessionID: dc.SyncSessionID,
	}
}

// SeverityFor maps a conflict type to its severity. Concurrent updates on
// inventory-affecting entities can corrupt stock levels, so they rank high.
func SeverityFor(conflictType models.ConflictType, entityType models.EntityType) models.ConflictSeverity {
	switch conflictType {
	case models.ConflictCreateCreate:
		return models.SeverityMedium
	case models.ConflictUpdateUpdate:
		if entityType.InventoryAffecting() {
			return models.SeverityHigh
		}
		return models.SeverityMedium
	case models.ConflictUpdateDelete, models.ConflictDeleteUpdate:
		return models.SeverityHigh
	case models.ConflictVersion:
		return models.SeverityMedium
	case models.ConflictConstraintViolation, models.ConflictDataInconsistency:
		return models.SeverityCritical
	default:
		return models.SeverityLow
	}
}

func parseObject(data json.RawMessage) map[string]interface{} {
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil
	}
	return m
}

// versions extracts the version field from both sides, normalized to strings
// so numeric and string representations compare consistently.
func versions(client, server map[string]interface{}) (string, string, bool) {
	cv, cok := versionField(client)
	sv, sok := versionField(server)
	if !cok || !sok {
		return "", "", false
	}
	return cv, sv, true
}

func versionField(m map[string]interface{}) (string, bool) {
	v, ok := m["version"]
	if !ok || v == nil {
		return "", false
	}
	switch val := v.(type) {
	case string:
		return val, true
	case float64:
		return fmt.Sprintf("%g", val), true
	default:
		return "", false
	}
}

// timestampField reads a timestamp that may be RFC 3339 text or epoch
// milliseconds, the two shapes client snapshots carry.
func timestampField(m map[string]interface{}, key string) (time.Time, bool) {
	v, ok := m[key]
	if !ok || v == nil {
		return time.Time{}, false
	}
	switch val := v.(type) {
	case string:
		if ts, err := time.Parse(time.RFC3339Nano, val); err == nil {
			return ts, true
		}
		if ts, err := time.Parse(time.RFC3339, val); err == nil {
			return ts, true
		}
	case float64:
		return time.UnixMilli(int64(val)), true
	}
	return time.Time{}, false
}
