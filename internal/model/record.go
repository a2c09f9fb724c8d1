package model

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"
)

// FormattedRecord is the wire unit sent to the compliance API.
type FormattedRecord struct {
	DisplayName         string   `json:"displayName"`
	UniqueID            string   `json:"uniqueId"`
	ExternalURL         string   `json:"externalUrl"`
	TrainingID          string   `json:"trainingId"`
	FrameworksFulfilled []string `json:"frameworksFulfilled"`
	TraineeName         string   `json:"traineeName"`
	TraineeAccount      string   `json:"traineeAccount"`
	TraineeEmail        string   `json:"traineeEmail"`
	Status              string   `json:"status"`
	CreatedTS           int64    `json:"createdTs"`
	DueTS               int64    `json:"dueTs"`
	CompletedTS         int64    `json:"completedTs"`
}

// UniqueID is the remote natural key of a (user, course) record.
func UniqueID(userID, courseID int64) string {
	return fmt.Sprintf("user%d_course%d", userID, courseID)
}

// TraineeName joins first and last name in NFC form with collapsed whitespace.
func TraineeName(first, last string) string {
	full := strings.Join(strings.Fields(first+" "+last), " ")
	return norm.NFC.String(full)
}

// Snapshot is the complete formatted dataset for one tenant.
type Snapshot struct {
	TenantID    int64             `json:"tenant_id"`
	ResourceID  string            `json:"resource_id"`
	GeneratedAt time.Time         `json:"generated_at"`
	RecordCount int               `json:"record_count"`
	Digest      string            `json:"digest"`
	Records     []FormattedRecord `json:"records"`
}

// SnapshotMeta is the snapshot without its records.
type SnapshotMeta struct {
	TenantID    int64     `json:"tenant_id"`
	ResourceID  string    `json:"resource_id"`
	GeneratedAt time.Time `json:"generated_at"`
	RecordCount int       `json:"record_count"`
	Digest      string    `json:"digest"`
	SizeBytes   int64     `json:"size_bytes"`
}

// NewSnapshot builds a snapshot and stamps its digest.
func NewSnapshot(tenantID int64, resourceID string, generatedAt time.Time, records []FormattedRecord) (Snapshot, error) {
	if records == nil {
		records = []FormattedRecord{}
	}
	digest, err := RecordsDigest(records)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{
		TenantID:    tenantID,
		ResourceID:  resourceID,
		GeneratedAt: generatedAt,
		RecordCount: len(records),
		Digest:      digest,
		Records:     records,
	}, nil
}

// Meta returns the snapshot header.
func (s Snapshot) Meta() SnapshotMeta {
	return SnapshotMeta{
		TenantID:    s.TenantID,
		ResourceID:  s.ResourceID,
		GeneratedAt: s.GeneratedAt,
		RecordCount: s.RecordCount,
		Digest:      s.Digest,
	}
}

const domainSnapshot = "compsync/snapshot/v1"

// RecordsDigest hashes the records with domain separation.
// Format: SHA256(domain + 0x00 + json(records))
func RecordsDigest(records []FormattedRecord) (string, error) {
	data, err := json.Marshal(records)
	if err != nil {
		return "", fmt.Errorf("records digest: %w", err)
	}
	h := sha256.New()
	h.Write([]byte(domainSnapshot))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil)), nil
}
