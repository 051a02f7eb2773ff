package protocol

import (
	"fmt"
	"strings"
)

// Per-user topic layout consumed and produced by the hub. Devices publish
// reports on the data topic; the hub publishes commands on the control
// topics. Every topic is parameterized by user id, so nothing is ever
// addressed for a device that cannot be resolved to a user.
const (
	dataTopicFmt              = "user/%s/device/data"
	controlTopicFmt           = "user/%s/device/control"
	batchControlTopicFmt      = "user/%s/device/control/batch"
	heartbeatResponseTopicFmt = "user/%s/device/%s/heartbeat/response"

	// DataTopicPattern is the subscription wildcard covering every user's
	// data topic.
	DataTopicPattern = "user/+/device/data"
)

func DataTopic(userID string) string    { return fmt.Sprintf(dataTopicFmt, userID) }
func ControlTopic(userID string) string { return fmt.Sprintf(controlTopicFmt, userID) }
func BatchControlTopic(userID string) string {
	return fmt.Sprintf(batchControlTopicFmt, userID)
}
func HeartbeatResponseTopic(userID, deviceID string) string {
	return fmt.Sprintf(heartbeatResponseTopicFmt, userID, deviceID)
}

// UserIDFromDataTopic extracts the user segment of a data topic
// ("user/<id>/device/data"). Empty string means the topic does not match
// the expected layout.
func UserIDFromDataTopic(topic string) string {
	parts := strings.Split(topic, "/")
	if len(parts) != 4 || parts[0] != "user" || parts[2] != "device" || parts[3] != "data" {
		return ""
	}
	return parts[1]
}
