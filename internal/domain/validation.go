package domain

import (
	"errors"
	"fmt"
	"net/mail"
	"strings"

	"github.com/go-playground/validator/v10"
)

// 验证相关的错误定义
var (
	ErrInvalidPayload = errors.New("invalid canonical payload")
	ErrInvalidEmail   = errors.New("invalid email format")
	ErrEmailTooLong   = errors.New("email address too long")
)

// MaxEmailLength RFC 5322 邮箱地址最大长度
const MaxEmailLength = 254

// PayloadValidator 在持久化之前校验解析结果
type PayloadValidator struct {
	validate *validator.Validate
}

// NewPayloadValidator 创建解析结果验证器
func NewPayloadValidator() *PayloadValidator {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterStructValidation(validateStayPeriod, StayPeriod{})
	return &PayloadValidator{validate: v}
}

// Validate 校验解析结果，失败时返回包装了 ErrInvalidPayload 的错误
func (v *PayloadValidator) Validate(p *CanonicalEmailPayload) error {
	if p == nil {
		return fmt.Errorf("%w: payload is nil", ErrInvalidPayload)
	}
	err := v.validate.Struct(p)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	details := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		details = append(details, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
	}
	return fmt.Errorf("%w: %s", ErrInvalidPayload, strings.Join(details, "; "))
}

// 入住区间两端必须存在且退房不早于入住
func validateStayPeriod(sl validator.StructLevel) {
	stay := sl.Current().Interface().(StayPeriod)
	if stay.Start.IsZero() {
		sl.ReportError(stay.Start, "Start", "Start", "required", "")
	}
	if stay.End.IsZero() {
		sl.ReportError(stay.End, "End", "End", "required", "")
	}
	if !stay.Start.IsZero() && !stay.End.IsZero() && stay.End.Before(stay.Start) {
		sl.ReportError(stay.End, "End", "End", "gtefield", "Start")
	}
}

// NormalizeAddress 规范化邮箱地址（小写、去除显示名），用作账户主键
func NormalizeAddress(address string) (string, error) {
	address = strings.TrimSpace(address)
	if len(address) > MaxEmailLength {
		return "", ErrEmailTooLong
	}
	parsed, err := mail.ParseAddress(address)
	if err != nil {
		return "", ErrInvalidEmail
	}
	return strings.ToLower(parsed.Address), nil
}
