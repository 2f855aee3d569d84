package dap

// Ids of the error messages sent in failed responses. DAP only requires
// them to be unique, the client shows them next to the formatted text.
const (
	UnsupportedCommand int = 9999
	InternalError      int = 8888

	// Loading the program.
	FailedToLaunch = 3000
	FailedToAttach = 3001

	// Inspection and breakpoints.
	UnableToSetBreakpoints     = 2002
	UnableToListLocals         = 2005
	UnableToLookupVariable     = 2008
	UnableToEvaluateExpression = 2009
	UnableToDisassemble        = 2010
	UnableToReadMemory         = 2011

	// Execution control.
	UnableToHalt     = 2012
	UnableToContinue = 2013
	UnableToStep     = 2014
)
