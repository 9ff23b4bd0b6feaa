package bot

import "gridbot/internal/models"

// ValidTransitions определяет допустимые переходы состояния торговли
//
// NORMAL → STOPPED: ручная, автоматическая или фатальная остановка.
// STOPPED → NORMAL: только сброс с токеном подтверждения.
var ValidTransitions = map[string][]string{
	models.TradingStateNormal:  {models.TradingStateStopped},
	models.TradingStateStopped: {models.TradingStateNormal},
}

// CanTransition проверяет допустимость перехода
func CanTransition(from, to string) bool {
	allowed, ok := ValidTransitions[from]
	if !ok {
		return false
	}
	for _, s := range allowed {
		if s == to {
			return true
		}
	}
	return false
}

// StateInfo возвращает описание состояния для UI
func StateInfo(s string) string {
	switch s {
	case models.TradingStateNormal:
		return "Торговля идет в штатном режиме"
	case models.TradingStateStopped:
		return "Аварийная остановка! Требуется сброс с подтверждением"
	default:
		return "Неизвестное состояние"
	}
}

// CanPlaceOrders возвращает true если новые ордера разрешены
func CanPlaceOrders(s string) bool {
	return s == models.TradingStateNormal
}

// tradingState - состояние по активной записи остановки
func tradingState(active *models.EmergencyStopRecord) string {
	if active != nil && active.Active {
		return models.TradingStateStopped
	}
	return models.TradingStateNormal
}
