package protocol

import "fmt"

// Message is one protocol message. The set of implementations is closed: one type per Kind.
type Message interface {
	Kind() Kind
	message()
}

// BlockRef locates a block of code already registered inside the target application.
// The driver never interprets it; it is compared for equality only.
type BlockRef struct {
	FilePath   string
	FileOffset int64
}

func (r BlockRef) String() string {
	return fmt.Sprintf("%s@%d", r.FilePath, r.FileOffset)
}

// Connect opens the handshake and names the connecting application.
type Connect struct {
	BundleID string
}

// ConnectionOK completes the handshake, and afterwards acknowledges a CheckConnection.
type ConnectionOK struct{}

type BlockWillBegin struct{}

type BlockDidFinish struct{}

// ErrorReport carries a failed assertion raised inside a block or cleanup.
type ErrorReport struct {
	Description string
	FileName    string
	LineNumber  uint64
}

// ExceptionReport carries an unexpected failure raised inside a block or cleanup.
type ExceptionReport struct {
	Description string
}

type CleanUpWillBegin struct{}

type CleanUpDidFinish struct{}

type AcceptConnection struct{}

// CheckConnection asks the target to prove liveness by answering ConnectionOK.
type CheckConnection struct{}

// ExecuteBlock asks the target to run the referenced block.
type ExecuteBlock struct {
	Ref BlockRef
}

type PerformCleanUp struct{}

func (Connect) Kind() Kind          { return KindConnect }
func (ConnectionOK) Kind() Kind     { return KindConnectionOK }
func (BlockWillBegin) Kind() Kind   { return KindBlockWillBegin }
func (BlockDidFinish) Kind() Kind   { return KindBlockDidFinish }
func (ErrorReport) Kind() Kind      { return KindError }
func (ExceptionReport) Kind() Kind  { return KindException }
func (CleanUpWillBegin) Kind() Kind { return KindCleanUpWillBegin }
func (CleanUpDidFinish) Kind() Kind { return KindCleanUpDidFinish }
func (AcceptConnection) Kind() Kind { return KindAcceptConnection }
func (CheckConnection) Kind() Kind  { return KindCheckConnection }
func (ExecuteBlock) Kind() Kind     { return KindExecuteBlock }
func (PerformCleanUp) Kind() Kind   { return KindPerformCleanUp }

func (Connect) message()          {}
func (ConnectionOK) message()     {}
func (BlockWillBegin) message()   {}
func (BlockDidFinish) message()   {}
func (ErrorReport) message()      {}
func (ExceptionReport) message()  {}
func (CleanUpWillBegin) message() {}
func (CleanUpDidFinish) message() {}
func (AcceptConnection) message() {}
func (CheckConnection) message()  {}
func (ExecuteBlock) message()     {}
func (PerformCleanUp) message()   {}

// New returns the zero-valued message of kind k, or false if k is not in the catalog.
func New(k Kind) (Message, bool) {
	switch k {
	case KindConnect:
		return Connect{}, true
	case KindConnectionOK:
		return ConnectionOK{}, true
	case KindBlockWillBegin:
		return BlockWillBegin{}, true
	case KindBlockDidFinish:
		return BlockDidFinish{}, true
	case KindError:
		return ErrorReport{}, true
	case KindException:
		return ExceptionReport{}, true
	case KindCleanUpWillBegin:
		return CleanUpWillBegin{}, true
	case KindCleanUpDidFinish:
		return CleanUpDidFinish{}, true
	case KindAcceptConnection:
		return AcceptConnection{}, true
	case KindCheckConnection:
		return CheckConnection{}, true
	case KindExecuteBlock:
		return ExecuteBlock{}, true
	case KindPerformCleanUp:
		return PerformCleanUp{}, true
	}
	return nil, false
}
