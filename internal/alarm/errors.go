package alarm

import (
	"errors"
	"fmt"
)

// StateTransitionError 非法状态转移
// 发生在对终态记录执行确认或清除时
type StateTransitionError struct {
	OccurrenceID string
	From         State
	Attempted    string
}

func (e *StateTransitionError) Error() string {
	return fmt.Sprintf("告警 %s 状态 %s 不允许操作 %s", e.OccurrenceID, e.From, e.Attempted)
}

// NewStateTransitionError 构造状态转移错误
func NewStateTransitionError(occurrenceID string, from State, attempted string) *StateTransitionError {
	return &StateTransitionError{OccurrenceID: occurrenceID, From: from, Attempted: attempted}
}

// IsStateTransitionError 判断是否为状态转移错误
func IsStateTransitionError(err error) bool {
	var ste *StateTransitionError
	return errors.As(err, &ste)
}

// ErrOccurrenceNotFound 告警记录不存在
var ErrOccurrenceNotFound = errors.New("告警记录不存在")

// ErrRuleNotFound 告警规则不存在
var ErrRuleNotFound = errors.New("告警规则不存在")
