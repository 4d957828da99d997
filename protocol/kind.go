package protocol

import "fmt"

// Kind identifies a message type on the wire. Values are stable and start at 1.
type Kind uint8

// Messages sent by the target application to the driver.
const (
	KindConnect Kind = iota + 1
	KindConnectionOK
	KindBlockWillBegin
	KindBlockDidFinish
	KindError
	KindException
	KindCleanUpWillBegin
	KindCleanUpDidFinish
)

// Messages sent by the driver to the target application.
const (
	KindAcceptConnection Kind = iota + 9
	KindCheckConnection
	KindExecuteBlock
	KindPerformCleanUp
)

var kindNames = map[Kind]string{
	KindConnect:          "Connect",
	KindConnectionOK:     "ConnectionOK",
	KindBlockWillBegin:   "BlockWillBegin",
	KindBlockDidFinish:   "BlockDidFinish",
	KindError:            "Error",
	KindException:        "Exception",
	KindCleanUpWillBegin: "CleanUpWillBegin",
	KindCleanUpDidFinish: "CleanUpDidFinish",
	KindAcceptConnection: "AcceptConnection",
	KindCheckConnection:  "CheckConnection",
	KindExecuteBlock:     "ExecuteBlock",
	KindPerformCleanUp:   "PerformCleanUp",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// Valid reports whether k is a member of the catalog.
func (k Kind) Valid() bool {
	_, ok := kindNames[k]
	return ok
}

// Direction is the sender side of a message kind.
type Direction int

const (
	// FromTarget marks messages the target application sends to the driver.
	FromTarget Direction = iota + 1
	// FromDriver marks messages the driver sends to the target application.
	FromDriver
)

func (d Direction) String() string {
	switch d {
	case FromTarget:
		return "target->driver"
	case FromDriver:
		return "driver->target"
	}
	return "unknown"
}

func (k Kind) Direction() Direction {
	switch {
	case k >= KindConnect && k <= KindCleanUpDidFinish:
		return FromTarget
	case k >= KindAcceptConnection && k <= KindPerformCleanUp:
		return FromDriver
	}
	return 0
}

type fieldType int

const (
	textField fieldType = iota
	uintField
	intField
)

type field struct {
	name string
	typ  fieldType
}

// Wire names of the payload fields.
const (
	keyKind                 = "kind"
	keyBundleID             = "bundle_id"
	keyErrorDescription     = "error_description"
	keyErrorFileName        = "error_file_name"
	keyErrorLineNumber      = "error_line_number"
	keyExceptionDescription = "exception_description"
	keyFilePath             = "file_path"
	keyFileOffset           = "file_offset"
)

// schemas lists the payload fields each kind must carry. Kinds not present carry none.
var schemas = map[Kind][]field{
	KindConnect: {{keyBundleID, textField}},
	KindError: {
		{keyErrorDescription, textField},
		{keyErrorFileName, textField},
		{keyErrorLineNumber, uintField},
	},
	KindException:    {{keyExceptionDescription, textField}},
	KindExecuteBlock: {{keyFilePath, textField}, {keyFileOffset, intField}},
}

// Schema returns the wire names of the fields a message of kind k carries, in declaration order.
func Schema(k Kind) []string {
	fields := schemas[k]
	names := make([]string, 0, len(fields))
	for _, f := range fields {
		names = append(names, f.name)
	}
	return names
}
