package player

import "time"

// AssumedBytesPerSecond is the byte rate of a 128 kbps constant-bitrate
// stream. Seeks use it to estimate where a time offset lives in the file;
// variable-bitrate sources drift from the estimate.
const AssumedBytesPerSecond = 16000

// SeekRequest is a target position and its estimated byte offset.
type SeekRequest struct {
	Target     time.Duration
	ByteOffset int64
}

// NewSeekRequest truncates target to whole seconds and estimates the byte
// offset from the constant-bitrate assumption. Negative targets clamp to 0.
func NewSeekRequest(target time.Duration) SeekRequest {
	if target < 0 {
		target = 0
	}
	target = target.Truncate(time.Second)
	return SeekRequest{
		Target:     target,
		ByteOffset: ByteOffset(target),
	}
}

// ByteOffset returns whole seconds × AssumedBytesPerSecond.
func ByteOffset(target time.Duration) int64 {
	if target <= 0 {
		return 0
	}
	return int64(target/time.Second) * AssumedBytesPerSecond
}
