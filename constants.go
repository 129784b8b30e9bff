package nsaas

import "github.com/nsaas-io/go-nsaas/internal/constants"

// Re-export constants for public API
const (
	DefaultSocketPath = constants.DefaultSocketPath
	DefaultRingSlots  = constants.DefaultRingSlots
	DefaultBufCount   = constants.DefaultBufCount
	DefaultBufMSS     = constants.DefaultBufMSS
	MsgMaxLen         = constants.MsgMaxLen
)
