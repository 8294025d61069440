package pipeline

import "time"

func init() {
	persistRetryInterval = time.Millisecond
}
