package models

// GameError carries a stable machine code next to the human message. Handlers
// surface both; callers match with errors.Is against the sentinels below.
type GameError struct {
	Code    string
	Message string
}

func (e *GameError) Error() string { return e.Message }

var (
	ErrInvalidSlot       = &GameError{"INVALID_SLOT", "slot must be 0 or 1"}
	ErrInvalidAmount     = &GameError{"INVALID_AMOUNT", "amount must be a positive integer"}
	ErrRoundNotFound     = &GameError{"ROUND_NOT_FOUND", "round not found"}
	ErrNotBetting        = &GameError{"NOT_BETTING", "round is not accepting bets"}
	ErrNotFlight         = &GameError{"NOT_FLIGHT", "round is not in flight"}
	ErrBetNotFound       = &GameError{"BET_NOT_FOUND", "no bet in this slot"}
	ErrSlotAlreadyUsed   = &GameError{"SLOT_ALREADY_USED", "slot already holds a bet for this round"}
	ErrInsufficientFunds = &GameError{"INSUFFICIENT_FUNDS", "insufficient points balance"}
	ErrCannotCancel      = &GameError{"CANNOT_CANCEL", "bet is locked in and cannot be canceled"}
	ErrCannotCashout     = &GameError{"CANNOT_CASHOUT", "bet is no longer cashoutable"}
	ErrBadMultiplier     = &GameError{"BAD_MULTIPLIER", "multiplier must be at least 1.0"}
	ErrUserNotFound      = &GameError{"USER_NOT_FOUND", "user not found"}
	ErrBonusNotReady     = &GameError{"BONUS_NOT_READY", "daily bonus already claimed"}
	ErrAlreadyReferred   = &GameError{"ALREADY_REFERRED", "referral already credited"}
	ErrUsernameTaken     = &GameError{"USERNAME_TAKEN", "username already taken"}
)
