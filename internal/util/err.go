package util

type ExitCode = int

// general
const (
	ErrorSuccess       ExitCode = 0
	ErrorGeneric       ExitCode = 1
	ErrorCmdArg        ExitCode = 2
	ErrorNetwork       ExitCode = 3
	ErrorBackend       ExitCode = 4
	ErrorInvalidFormat ExitCode = 5
)

// hpcmond
const (
	ErrorDatabaseInit ExitCode = 100
	ErrorApiServer    ExitCode = 101
)

// cmon
const (
	ErrorReportNotFound ExitCode = 200
)
