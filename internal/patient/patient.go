// Package patient は患者レコードの永続化とREST APIを提供する。
//
// 患者はSQLiteに保存され、削除は論理削除（ステータスをINACTIVEにする）として扱う。
package patient

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// Status は患者のステータス。
type Status string

const (
	// StatusActive は通常の状態。
	StatusActive Status = "ACTIVE"
	// StatusInactive は論理削除された状態。
	StatusInactive Status = "INACTIVE"
	// StatusDeceased は死亡した状態。
	StatusDeceased Status = "DECEASED"
)

// DateLayout は生年月日の形式。
const DateLayout = "2006-01-02"

// Patient は患者レコード。JSON表現はそのままAPIレスポンスになる。
type Patient struct {
	ID                  string    `json:"id"`
	FirstName           string    `json:"firstName"`
	LastName            string    `json:"lastName"`
	DateOfBirth         string    `json:"dateOfBirth"`
	Email               string    `json:"email,omitempty"`
	Phone               string    `json:"phone,omitempty"`
	Address             string    `json:"address,omitempty"`
	MedicalRecordNumber string    `json:"medicalRecordNumber"`
	Status              Status    `json:"status"`
	CreatedAt           time.Time `json:"createdAt"`
	UpdatedAt           time.Time `json:"updatedAt"`
}

// Page はページングされた一覧。
type Page struct {
	Content       []Patient `json:"content"`
	Page          int       `json:"page"`
	Size          int       `json:"size"`
	TotalElements int64     `json:"totalElements"`
	TotalPages    int       `json:"totalPages"`
}

// newPage は総件数からページ情報を組み立てる。
func newPage(content []Patient, page, size int, total int64) Page {
	if content == nil {
		content = []Patient{}
	}
	pages := 0
	if size > 0 {
		pages = int((total + int64(size) - 1) / int64(size))
	}
	return Page{
		Content:       content,
		Page:          page,
		Size:          size,
		TotalElements: total,
		TotalPages:    pages,
	}
}

// NewMRN は診療録番号を生成する。形式: MRN-<UNIXミリ秒>-<16進4桁>
func NewMRN(now time.Time) string {
	var b [2]byte
	_, _ = rand.Read(b[:])
	return fmt.Sprintf("MRN-%d-%s", now.UnixMilli(), hex.EncodeToString(b[:]))
}
