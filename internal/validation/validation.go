// Package validation содержит функции валидации входных данных.
package validation

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// MaxIdempotencyKeyLength — максимальная длина ключа идемпотентности.
const MaxIdempotencyKeyLength = 128

// MaxQuestionLength — максимальная длина текста вопроса в символах.
const MaxQuestionLength = 1000

// IsValidIdempotencyKey проверяет ключ идемпотентности: непустой,
// не длиннее MaxIdempotencyKeyLength и без управляющих символов.
func IsValidIdempotencyKey(key string) bool {
	if key == "" || len(key) > MaxIdempotencyKeyLength {
		return false
	}
	for _, r := range key {
		if unicode.IsControl(r) || unicode.IsSpace(r) {
			return false
		}
	}
	return true
}

// IsValidQuestion проверяет текст вопроса.
func IsValidQuestion(question string) bool {
	trimmed := strings.TrimSpace(question)
	return trimmed != "" && utf8.RuneCountInString(question) <= MaxQuestionLength
}

// IsValidLang проверяет поддерживаемый язык вопроса.
func IsValidLang(lang string) bool {
	return lang == "zh" || lang == "vi"
}

// IsValidMode проверяет поддерживаемый режим ответа.
func IsValidMode(mode string) bool {
	switch mode {
	case "analysis", "advice", "verdict", "oracle":
		return true
	}
	return false
}

// IsValidPackageSize проверяет допустимый размер пакета кредитов.
func IsValidPackageSize(size int) bool {
	return size == 1 || size == 3 || size == 5
}

// NormalizeEmail приводит email к нижнему регистру без краевых пробелов.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// IsValidEmail проверяет нормализованный email: длина 3..320,
// символ @ не на краю адреса.
func IsValidEmail(email string) bool {
	if len(email) < 3 || len(email) > 320 {
		return false
	}
	at := strings.Index(email, "@")
	return at > 0 && at < len(email)-1
}

// IsValidPassword проверяет длину пароля.
func IsValidPassword(password string) bool {
	return len(password) >= 8 && len(password) <= 256
}
