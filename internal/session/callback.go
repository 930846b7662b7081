package session

import (
	"runtime/debug"
)

// invokeData calls cb, turning a returned error or a panic into *CallbackError
func invokeData(cb DataCallback, data map[string]any, cause error) (answer any, err error) {
	defer func() {
		if r := recover(); r != nil {
			answer = nil
			err = &CallbackError{Callback: "data", Err: &CallbackPanicError{Value: r, Stack: debug.Stack()}}
		}
	}()
	answer, err = cb(data, cause)
	if err != nil {
		return nil, &CallbackError{Callback: "data", Err: err}
	}
	return answer, nil
}

func invokeRetarget(cb RetargetCallback, newPageID string) (outcome RetargetOutcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			outcome = Refuse()
			err = &CallbackError{Callback: "retarget", Err: &CallbackPanicError{Value: r, Stack: debug.Stack()}}
		}
	}()
	outcome, err = cb(newPageID)
	if err != nil {
		return Refuse(), &CallbackError{Callback: "retarget", Err: err}
	}
	return outcome, nil
}
