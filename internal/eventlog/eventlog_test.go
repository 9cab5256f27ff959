package eventlog

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPartitionIsStable(t *testing.T) {
	p1 := Partition(TopicDetections, "cam_01")
	p2 := Partition(TopicDetections, "cam_01")
	assert.Equal(t, p1, p2, "same key must always land on the same partition")
	assert.GreaterOrEqual(t, p1, 0)
	assert.Less(t, p1, Partitions(TopicDetections))
}

func TestSubjectCarriesPartition(t *testing.T) {
	subj := Subject(TopicDetections, "cam_01")
	assert.Contains(t, subj, "detections.")

	// Per-camera ordering depends on every producer agreeing on the mapping.
	assert.Equal(t, subj, Subject(TopicDetections, "cam_01"))
}

func TestPartitionCounts(t *testing.T) {
	assert.Equal(t, 8, Partitions(TopicDetections))
	assert.Equal(t, 8, Partitions(TopicIdentities))
	assert.Equal(t, 3, Partitions(TopicAlerts))
	assert.Equal(t, 1, Partitions("unknown"))
}

func TestKeysSpreadAcrossPartitions(t *testing.T) {
	seen := map[int]bool{}
	cams := []string{"cam_01", "cam_02", "cam_03", "cam_04", "cam_05", "cam_06", "cam_07", "cam_08", "cam_09", "cam_10"}
	for _, cam := range cams {
		seen[Partition(TopicDetections, cam)] = true
	}
	assert.Greater(t, len(seen), 1, "hashing should not collapse all cameras onto one partition")
}
