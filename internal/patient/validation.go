package patient

import (
	"errors"
	"reflect"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/nao1215/patient-api/pkg/apierror"
)

// phonePattern はE.164形式の電話番号。先頭の+は省略できる。
var phonePattern = regexp.MustCompile(`^\+?[1-9]\d{1,14}$`)

// fieldMessages はフィールドとタグの組に対応するメッセージ。
var fieldMessages = map[string]string{
	"firstName.required":   "First name is required",
	"firstName.max":        "First name must be between 1 and 100 characters",
	"lastName.required":    "Last name is required",
	"lastName.max":         "Last name must be between 1 and 100 characters",
	"dateOfBirth.required": "Date of birth is required",
	"dateOfBirth.datetime": "Date of birth must be in format YYYY-MM-DD",
	"dateOfBirth.pastdate": "Date of birth must be in the past",
	"email.email":          "Email must be valid",
	"phone.phone_e164":     "Phone number must be valid E.164 format",
	"address.max":          "Address must not exceed 500 characters",
	"status.oneof":         "Status must be one of ACTIVE, INACTIVE, DECEASED",
}

// newValidator は患者リクエスト用のバリデータを生成する。nowは過去日付の判定に使う。
func newValidator(now func() time.Time) *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	// 登録に失敗するのはタグ名が空の場合のみ
	_ = v.RegisterValidation("pastdate", func(fl validator.FieldLevel) bool {
		d, err := time.Parse(DateLayout, fl.Field().String())
		if err != nil {
			return false
		}
		y, m, day := now().Date()
		today := time.Date(y, m, day, 0, 0, 0, 0, time.UTC)
		return d.Before(today)
	})
	_ = v.RegisterValidation("phone_e164", func(fl validator.FieldLevel) bool {
		return phonePattern.MatchString(fl.Field().String())
	})
	return v
}

// toAPIError は検証エラーをフィールド単位のエラー一覧に変換する。
func toAPIError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return apierror.Wrap(apierror.BadRequest, "Malformed JSON request", err)
	}
	fields := make([]apierror.FieldError, 0, len(verrs))
	for _, fe := range verrs {
		msg, ok := fieldMessages[fe.Field()+"."+fe.Tag()]
		if !ok {
			msg = fe.Field() + " is invalid"
		}
		fields = append(fields, apierror.FieldError{
			Field:         fe.Field(),
			Message:       msg,
			RejectedValue: fe.Value(),
		})
	}
	return apierror.Validation(fields...)
}
