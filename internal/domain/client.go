package domain

import "time"

// Client 客人档案。ID 由邮箱地址推导，地址不变则 ID 不变。
type Client struct {
	ID                  string            `json:"id" gorm:"primaryKey;type:varchar(128)"`
	DisplayName         string            `json:"displayName" gorm:"type:varchar(200)"`
	FullName            string            `json:"fullName,omitempty" gorm:"type:varchar(200)"`
	PrimaryEmail        string            `json:"primaryEmail,omitempty" gorm:"type:varchar(255);index"`
	PrimaryPhone        string            `json:"primaryPhone,omitempty" gorm:"type:varchar(64)"`
	ChannelEmails       map[string]string `json:"channelEmails,omitempty" gorm:"serializer:json;type:text"` // 渠道 -> 中转邮箱
	HostID              string            `json:"hostId" gorm:"type:varchar(128);index"`
	PropertyID          string            `json:"propertyId" gorm:"type:varchar(128);index"`
	ActiveReservationID string            `json:"activeReservationId,omitempty" gorm:"type:varchar(128)"`
	AutoReply           *bool             `json:"autoReply,omitempty"`
	CreatedAt           time.Time         `json:"createdAt"`
	UpdatedAt           time.Time         `json:"updatedAt"`
}

// Merge 合并客人档案。自动回复偏好由人工设置，只有在未设置时才接受新值。
func (c *Client) Merge(in *Client) {
	if in == nil {
		return
	}
	if c.ID == "" {
		c.ID = in.ID
	}
	c.DisplayName = firstNonEmpty(in.DisplayName, c.DisplayName)
	c.FullName = firstNonEmpty(in.FullName, c.FullName)
	c.PrimaryEmail = firstNonEmpty(c.PrimaryEmail, in.PrimaryEmail)
	c.PrimaryPhone = firstNonEmpty(in.PrimaryPhone, c.PrimaryPhone)
	c.ChannelEmails = mergeMap(c.ChannelEmails, in.ChannelEmails)
	c.HostID = firstNonEmpty(c.HostID, in.HostID)
	c.PropertyID = firstNonEmpty(in.PropertyID, c.PropertyID)
	c.ActiveReservationID = firstNonEmpty(in.ActiveReservationID, c.ActiveReservationID)
	if c.AutoReply == nil {
		c.AutoReply = in.AutoReply
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = in.CreatedAt
	}
	if in.UpdatedAt.After(c.UpdatedAt) {
		c.UpdatedAt = in.UpdatedAt
	}
}
