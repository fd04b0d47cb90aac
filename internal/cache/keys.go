package cache

import "time"

// LockExpireTime bounds how long an update lock may be held.
const LockExpireTime = 600 * time.Second

// DocumentEnabledLockKey guards enabling or disabling a document.
func DocumentEnabledLockKey(documentID string) string {
	return "lock:document:update:enabled_" + documentID
}

// KeywordTableLockKey guards read-modify-write of a dataset keyword table.
func KeywordTableLockKey(datasetID string) string {
	return "lock:keyword_table:update:keyword_table_" + datasetID
}

// SegmentEnabledLockKey guards enabling or disabling a segment.
func SegmentEnabledLockKey(segmentID string) string {
	return "lock:segment:update:enabled_" + segmentID
}
