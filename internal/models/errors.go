package models

import "errors"

// Ошибки ядра детекции. Проверяются через errors.Is, оборачиваются через %w.
var (
	// ErrConfiguration некорректные или несогласованные параметры конструктора
	ErrConfiguration = errors.New("configuration error")
	// ErrOrdering точка пришла раньше последней обработанной точки потока
	ErrOrdering = errors.New("ordering error")
	// ErrParse измерение отсутствует или не является числом
	ErrParse = errors.New("parse error")
	// ErrModelNotFound снимок модели для улья отсутствует в хранилище
	ErrModelNotFound = errors.New("model snapshot not found")
	// ErrCorruptState снимок модели не проходит проверку целостности
	ErrCorruptState = errors.New("corrupt model state")
)
