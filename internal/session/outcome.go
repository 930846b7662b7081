package session

// DataCallback receives custom data from the web page and returns the answer.
// When the session ends abnormally it is invoked once more with data == nil
// and err set to a *Error.
type DataCallback func(data map[string]any, err error) (any, error)

// RetargetCallback decides whether the session may switch to newPageID
type RetargetCallback func(newPageID string) (RetargetOutcome, error)

// RetargetOutcome is either Refused or Accepted with new callbacks
type RetargetOutcome struct {
	accepted bool
	data     DataCallback
	retarget RetargetCallback
}

// Refuse keeps the session on its current page
func Refuse() RetargetOutcome {
	return RetargetOutcome{}
}

// Accept rebinds the session to data and, optionally, retarget
func Accept(data DataCallback, retarget RetargetCallback) RetargetOutcome {
	return RetargetOutcome{accepted: true, data: data, retarget: retarget}
}

// Accepted reports whether the retarget was accepted
func (o RetargetOutcome) Accepted() bool {
	return o.accepted
}

// Valid reports whether an accepted outcome can be applied
func (o RetargetOutcome) Valid() bool {
	return o.accepted && o.data != nil
}
