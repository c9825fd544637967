package domain

import "time"

// Host 房东，首次被引用时创建
type Host struct {
	ID          string            `json:"id" gorm:"primaryKey;type:varchar(128)"`
	Email       string            `json:"email,omitempty" gorm:"type:varchar(255);index"`
	DisplayName string            `json:"displayName,omitempty" gorm:"type:varchar(200)"`
	Metadata    map[string]string `json:"metadata,omitempty" gorm:"serializer:json;type:text"`
	CreatedAt   time.Time         `json:"createdAt"`
	UpdatedAt   time.Time         `json:"updatedAt"`
}

// Merge 合并房东信息
func (h *Host) Merge(in *Host) {
	if in == nil {
		return
	}
	if h.ID == "" {
		h.ID = in.ID
	}
	h.Email = firstNonEmpty(h.Email, in.Email)
	h.DisplayName = firstNonEmpty(h.DisplayName, in.DisplayName)
	h.Metadata = mergeMap(h.Metadata, in.Metadata)
	if h.CreatedAt.IsZero() {
		h.CreatedAt = in.CreatedAt
	}
	if in.UpdatedAt.After(h.UpdatedAt) {
		h.UpdatedAt = in.UpdatedAt
	}
}

// Property 房源
type Property struct {
	ID        string            `json:"id" gorm:"primaryKey;type:varchar(128)"`
	HostID    string            `json:"hostId" gorm:"type:varchar(128);index"`
	Name      string            `json:"name,omitempty" gorm:"type:varchar(255)"`
	Channels  []string          `json:"channels,omitempty" gorm:"serializer:json;type:text"`
	Metadata  map[string]string `json:"metadata,omitempty" gorm:"serializer:json;type:text"`
	CreatedAt time.Time         `json:"createdAt"`
	UpdatedAt time.Time         `json:"updatedAt"`
}

// Merge 合并房源信息，房源名称以已有值为准
func (p *Property) Merge(in *Property) {
	if in == nil {
		return
	}
	if p.ID == "" {
		p.ID = in.ID
	}
	p.HostID = firstNonEmpty(p.HostID, in.HostID)
	p.Name = firstNonEmpty(p.Name, in.Name)
	p.Channels = mergeSet(p.Channels, in.Channels)
	p.Metadata = mergeMap(p.Metadata, in.Metadata)
	if p.CreatedAt.IsZero() {
		p.CreatedAt = in.CreatedAt
	}
	if in.UpdatedAt.After(p.UpdatedAt) {
		p.UpdatedAt = in.UpdatedAt
	}
}
