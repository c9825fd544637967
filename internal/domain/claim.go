package domain

import "time"

// MessageClaim 消息认领标记。
//
// 每个 (账户, 消息ID) 只会被创建一次，创建后不会更新，也没有过期时间。
type MessageClaim struct {
	AccountAddress string    `json:"accountAddress" gorm:"primaryKey;type:varchar(255)"`
	MessageID      string    `json:"messageId" gorm:"primaryKey;type:varchar(255)"`
	ClaimedBy      string    `json:"claimedBy" gorm:"type:varchar(64)"`
	ClaimedAt      time.Time `json:"claimedAt"`
}
