package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
)

// BuildDedupKey identifies one logical inbound message across listener retries and duplicate events:
// hex(SHA256(deviceId|normalizedSender|receivedAtMillis|message)).
func BuildDedupKey(deviceID, normalizedSender string, receivedAtMillis int64, message string) string {
	material := strings.Join([]string{
		deviceID,
		normalizedSender,
		strconv.FormatInt(receivedAtMillis, 10),
		message,
	}, "|")
	sum := sha256.Sum256([]byte(material))
	return hex.EncodeToString(sum[:])
}
