package port

import "context"

// RepairMethod names which rung of the repair ladder produced the output.
type RepairMethod string

const (
	RepairRemux       RepairMethod = "remux"
	RepairReencode    RepairMethod = "reencode"
	RepairPassthrough RepairMethod = "passthrough"
)

// Repairer normalizes a streamed recording into a playable container. It must
// never lose the recording: when every strategy fails it still produces the
// original bytes at dstPath and reports RepairPassthrough.
type Repairer interface {
	Repair(ctx context.Context, srcPath, dstPath string) (RepairMethod, error)
}
