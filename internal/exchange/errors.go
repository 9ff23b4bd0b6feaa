package exchange

import (
	"errors"
	"regexp"
)

// Ошибки биржи, которые бот различает
var (
	// ErrInsufficientFunds - недостаточно средств для ордера
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrAuthentication - ключи отклонены биржей
	ErrAuthentication = errors.New("authentication failure")

	// ErrAccountSuspended - аккаунт заблокирован
	ErrAccountSuspended = errors.New("account suspended")

	// ErrOrderNotFound - ордер неизвестен бирже
	ErrOrderNotFound = errors.New("order not found")

	// ErrNotSupported - биржа не поддерживает операцию
	ErrNotSupported = errors.New("operation not supported")
)

// ExchangeError представляет ошибку от биржи
type ExchangeError struct {
	Exchange string
	Code     string
	Message  string
	Original error
	// Temporary - сетевые сбои, 5xx, rate limit
	Temporary bool
}

func (e *ExchangeError) Error() string {
	return e.Exchange + ": " + e.Message
}

// Unwrap возвращает оригинальную ошибку для поддержки errors.Is() и errors.As()
func (e *ExchangeError) Unwrap() error {
	return e.Original
}

// Retryable - для retry.IsRetryable
func (e *ExchangeError) Retryable() bool {
	return e.Temporary && !IsFatal(e.Original)
}

// fatalPattern - сообщения, после которых торговлю продолжать нельзя
var (
	fatalPattern        = regexp.MustCompile(`(?i)(authentication fail|unauthorized|invalid api[ -]?key|insufficient funds|account suspended)`)
	insufficientPattern = regexp.MustCompile(`(?i)insufficient (funds|balance)`)
)

// IsFatal - ошибка аутентификации, блокировки аккаунта или нехватки средств,
// в том числе распознанная по тексту от биржи
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrAuthentication) || errors.Is(err, ErrAccountSuspended) || errors.Is(err, ErrInsufficientFunds) {
		return true
	}
	return fatalPattern.MatchString(err.Error())
}

// IsInsufficientFunds - отказ из-за нехватки средств
func IsInsufficientFunds(err error) bool {
	if errors.Is(err, ErrInsufficientFunds) {
		return true
	}
	return err != nil && insufficientPattern.MatchString(err.Error())
}
