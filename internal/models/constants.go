package models

const (
	// DefaultBatchSize количество элементов очереди за один проход синхронизации
	DefaultBatchSize = 50

	// DefaultPriority приоритет операции по умолчанию (1 — наивысший)
	DefaultPriority = 3

	// DefaultMaxRetries количество попыток до перевода элемента в failed
	DefaultMaxRetries = 3

	// PriorityHigh/PriorityLow границы допустимых приоритетов
	PriorityHigh = 1
	PriorityLow  = 10
)

const (
	// DeadLetterTTL время жизни записей dead-letter списка в Redis
	DeadLetterTTL = 7 * 24 * 60 * 60 // 7 дней в секундах
)
