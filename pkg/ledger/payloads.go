package ledger

// EventType is the closed allowlist of ledger event kinds.
type EventType string

const (
	EventFileRegistered           EventType = "FILE_REGISTERED"
	EventDocumentPublished        EventType = "DOCUMENT_PUBLISHED"
	EventInspectionCardTransition EventType = "INSPECTION_CARD_TRANSITION"
	EventInventoryAdjusted        EventType = "INVENTORY_ADJUSTED"
	EventEvidenceExported         EventType = "EVIDENCE_EXPORTED"
	EventKeyRotated               EventType = "KEY_ROTATED"
	EventKeyRevoked               EventType = "KEY_REVOKED"
	EventKeyRequestCreated        EventType = "KEY_REQUEST_CREATED"
	EventKeyRequestApproved       EventType = "KEY_REQUEST_APPROVED"
	EventKeyRequestRejected       EventType = "KEY_REQUEST_REJECTED"
	EventKeyRequestExecuted       EventType = "KEY_REQUEST_EXECUTED"
	EventBreakGlassActivated      EventType = "BREAK_GLASS_ACTIVATED"
	EventBreakGlassDeactivated    EventType = "BREAK_GLASS_DEACTIVATED"
	EventBreakGlassAction         EventType = "BREAK_GLASS_ACTION"
)

// governanceTypes are written only by the key lifecycle service.
var governanceTypes = map[EventType]bool{
	EventKeyRotated:            true,
	EventKeyRevoked:            true,
	EventKeyRequestCreated:     true,
	EventKeyRequestApproved:    true,
	EventKeyRequestRejected:    true,
	EventKeyRequestExecuted:    true,
	EventBreakGlassActivated:   true,
	EventBreakGlassDeactivated: true,
	EventBreakGlassAction:      true,
}

// IsGovernance reports whether t is a key lifecycle or break-glass record.
func IsGovernance(t EventType) bool { return governanceTypes[t] }

// Payload is implemented by every catalogued event body.
type Payload interface {
	EventType() EventType
}

type FileRegistered struct {
	FileID    string `json:"file_id"`
	Filename  string `json:"filename"`
	SHA256    string `json:"sha256"`
	SizeBytes int64  `json:"size_bytes"`
	MimeType  string `json:"mime_type,omitempty"`
}

type DocumentPublished struct {
	DocumentID  string `json:"document_id"`
	Version     int    `json:"version"`
	Title       string `json:"title"`
	ContentHash string `json:"content_hash"`
}

type InspectionCardTransition struct {
	CardID     string `json:"card_id"`
	FromStatus string `json:"from_status"`
	ToStatus   string `json:"to_status"`
	Comment    string `json:"comment,omitempty"`
}

type InventoryAdjusted struct {
	ItemID   string `json:"item_id"`
	Delta    int64  `json:"delta"`
	Reason   string `json:"reason"`
	Location string `json:"location,omitempty"`
}

type EvidenceExported struct {
	ExportID     string `json:"export_id"`
	ExportHash   string `json:"export_hash"`
	Signature    string `json:"signature"`
	SigningKeyID string `json:"signing_key_id"`
	Scope        string `json:"scope,omitempty"`
}

type KeyRotated struct {
	OldKeyID   string `json:"old_key_id,omitempty"`
	NewKeyID   string `json:"new_key_id"`
	RequestID  string `json:"request_id,omitempty"`
	BreakGlass bool   `json:"break_glass,omitempty"`
}

type KeyRevoked struct {
	KeyID      string `json:"key_id"`
	Reason     string `json:"reason"`
	RequestID  string `json:"request_id,omitempty"`
	BreakGlass bool   `json:"break_glass,omitempty"`
}

type KeyRequestCreated struct {
	RequestID   string `json:"request_id"`
	Operation   string `json:"operation"`
	InitiatorID string `json:"initiator_id"`
	TargetKeyID string `json:"target_key_id,omitempty"`
	Reason      string `json:"reason,omitempty"`
	ExpiresAt   string `json:"expires_at"`
}

type KeyRequestApproved struct {
	RequestID   string `json:"request_id"`
	Operation   string `json:"operation"`
	InitiatorID string `json:"initiator_id"`
	ApproverID  string `json:"approver_id"`
}

type KeyRequestRejected struct {
	RequestID  string `json:"request_id"`
	Operation  string `json:"operation"`
	RejectedBy string `json:"rejected_by"`
	Reason     string `json:"reason,omitempty"`
}

type KeyRequestExecuted struct {
	RequestID  string `json:"request_id"`
	Operation  string `json:"operation"`
	ExecutedBy string `json:"executed_by"`
	KeyID      string `json:"key_id,omitempty"`
}

type BreakGlassActivated struct {
	ActivatedBy string `json:"activated_by"`
	Reason      string `json:"reason"`
	ExpiresAt   string `json:"expires_at"`
}

type BreakGlassDeactivated struct {
	DeactivatedBy string `json:"deactivated_by"`
	Reason        string `json:"reason,omitempty"`
	ActionsTaken  int    `json:"actions_taken"`
	Expired       bool   `json:"expired,omitempty"`
}

type BreakGlassAction struct {
	Actor  string `json:"actor"`
	Action string `json:"action"`
	Target string `json:"target,omitempty"`
	Detail string `json:"detail,omitempty"`
}

func (FileRegistered) EventType() EventType           { return EventFileRegistered }
func (DocumentPublished) EventType() EventType        { return EventDocumentPublished }
func (InspectionCardTransition) EventType() EventType { return EventInspectionCardTransition }
func (InventoryAdjusted) EventType() EventType        { return EventInventoryAdjusted }
func (EvidenceExported) EventType() EventType         { return EventEvidenceExported }
func (KeyRotated) EventType() EventType               { return EventKeyRotated }
func (KeyRevoked) EventType() EventType               { return EventKeyRevoked }
func (KeyRequestCreated) EventType() EventType        { return EventKeyRequestCreated }
func (KeyRequestApproved) EventType() EventType       { return EventKeyRequestApproved }
func (KeyRequestRejected) EventType() EventType       { return EventKeyRequestRejected }
func (KeyRequestExecuted) EventType() EventType       { return EventKeyRequestExecuted }
func (BreakGlassActivated) EventType() EventType      { return EventBreakGlassActivated }
func (BreakGlassDeactivated) EventType() EventType    { return EventBreakGlassDeactivated }
func (BreakGlassAction) EventType() EventType         { return EventBreakGlassAction }
