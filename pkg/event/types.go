// Package event はエンティティの変更履歴を表す不変のイベントレコードを定義する。
//
// イベントはAggregate（対象エンティティ）ごとに1から始まる連番Versionを持ち、
// 同じVersionのイベントは2つ存在しない。
package event

import (
	"encoding/json"
	"time"
)

// AggregateType はイベントの対象となるエンティティの種類を表す。
type AggregateType string

// AggregateTypePatient は患者エンティティを表す。
const AggregateTypePatient AggregateType = "Patient"

// Type はイベントの種類を表す。
type Type string

const (
	// TypePatientRegistered は患者が登録されたことを表す。
	TypePatientRegistered Type = "PatientRegistered"
	// TypePatientUpdated は患者の属性が更新されたことを表す。
	TypePatientUpdated Type = "PatientUpdated"
	// TypePatientDeactivated は患者が論理削除されたことを表す。
	TypePatientDeactivated Type = "PatientDeactivated"
)

// Event は変更履歴の1レコード。
type Event struct {
	// ID はイベントの一意識別子（UUID）。
	ID string `json:"id"`
	// AggregateID は対象エンティティの識別子。
	AggregateID string `json:"aggregateId"`
	// AggregateType は対象エンティティの種類。
	AggregateType AggregateType `json:"aggregateType"`
	// EventType はイベントの種類。
	EventType Type `json:"eventType"`
	// Data はイベント固有のデータ（JSON形式）。
	Data json.RawMessage `json:"data"`
	// Version はAggregate内でのイベントの順序番号。
	Version int64 `json:"version"`
	// Actor は変更を行ったユーザー名。認証無しの呼び出しでは空。
	Actor string `json:"actor,omitempty"`
	// CorrelationID は変更を行ったリクエストの相関ID。
	CorrelationID string `json:"correlationId,omitempty"`
	// CreatedAt はイベントが作成された日時。
	CreatedAt time.Time `json:"createdAt"`
}

// PatientRegisteredData はPatientRegisteredイベントのデータ。
type PatientRegisteredData struct {
	MedicalRecordNumber string `json:"medicalRecordNumber"`
	FirstName           string `json:"firstName"`
	LastName            string `json:"lastName"`
}

// PatientUpdatedData はPatientUpdatedイベントのデータ。
type PatientUpdatedData struct {
	// ChangedFields は値が変わった属性のJSON名。
	ChangedFields []string `json:"changedFields"`
	// Status は更新後のステータス。
	Status string `json:"status"`
}

// PatientDeactivatedData はPatientDeactivatedイベントのデータ。
type PatientDeactivatedData struct {
	PreviousStatus string `json:"previousStatus"`
}
