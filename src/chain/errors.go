package chain

import "fmt"

// ChainErrType enumerates the ways a block can be rejected. All of them are
// recoverable: the caller discards its proposal and re-derives from the
// current chain head.
type ChainErrType uint32

const (
	// BrokenLink means the block's authorizing signatures are not drawn from,
	// or do not reach the quorum of, the elder set established by the
	// previous block.
	BrokenLink ChainErrType = iota
	// StaleSequence means the block's index is not greater than the head's.
	StaleSequence
	// SkippedSequence means the block's index would leave a gap.
	SkippedSequence
	// BadSignature means an attached signature does not verify.
	BadSignature
	// UnknownPrefix means the block names a section the table does not own.
	UnknownPrefix
	// NoSibling means a merge block was produced for a section whose sibling
	// is not in the table.
	NoSibling
)

// ChainErr ...
type ChainErr struct {
	errType ChainErrType
	msg     string
}

// NewChainErr ...
func NewChainErr(errType ChainErrType, format string, args ...interface{}) ChainErr {
	return ChainErr{
		errType: errType,
		msg:     fmt.Sprintf(format, args...),
	}
}

// Error ...
func (e ChainErr) Error() string {
	t := ""
	switch e.errType {
	case BrokenLink:
		t = "Broken Link"
	case StaleSequence:
		t = "Stale Sequence"
	case SkippedSequence:
		t = "Skipped Sequence"
	case BadSignature:
		t = "Bad Signature"
	case UnknownPrefix:
		t = "Unknown Prefix"
	case NoSibling:
		t = "No Sibling"
	}
	return fmt.Sprintf("%s: %s", t, e.msg)
}

// IsChain checks that an error is of type ChainErr and that its code matches
// the provided code.
func IsChain(err error, t ChainErrType) bool {
	chainErr, ok := err.(ChainErr)
	return ok && chainErr.errType == t
}
