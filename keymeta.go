package keytower

import "fmt"

// KeyMeta identifies a specific key by id and creation time.
type KeyMeta struct {
	ID      string `json:"KeyId"`
	Created int64  `json:"Created"`
}

func (m KeyMeta) String() string {
	return fmt.Sprintf("KeyMeta[id=%s created=%d]", m.ID, m.Created)
}

// IsLatest reports whether m refers to "whatever the newest key is" rather
// than a fully-qualified (id, created) pair.
func (m KeyMeta) IsLatest() bool {
	return m.Created == 0
}

// EnvelopeKeyRecord is the persisted shape of a wrapped key — system or
// intermediate. Field names are the metastore wire contract and must not
// change. System keys have no ParentKeyMeta: their parent is the master
// key, referenced implicitly by the KeyManagementService.
type EnvelopeKeyRecord struct {
	Revoked       bool     `json:"Revoked,omitempty"`
	ID            string   `json:"-"`
	Created       int64    `json:"Created"`
	EncryptedKey  []byte   `json:"Key"`
	ParentKeyMeta *KeyMeta `json:"ParentKeyMeta,omitempty"`
}

// DataRowRecord wraps a payload's ciphertext together with the
// EnvelopeKeyRecord for the data row key that encrypted it. This is the
// value applications persist alongside their encrypted data.
type DataRowRecord struct {
	Key  *EnvelopeKeyRecord
	Data []byte
}
