package models

// Account is a per-address balance record. The balance is an integer in
// 18-decimal atomic units, serialized as a decimal string so arbitrary
// precision survives the JSON boundary.
type Account struct {
	Address   string `json:"address"` // 0x-prefixed; EIP-55 checksummed in API responses
	Balance   string `json:"balance"`
	Nonce     uint64 `json:"nonce"` // sequence counter reserved for transfers
	CreatedAt int64  `json:"createdAt"`
	UpdatedAt int64  `json:"updatedAt"`
}
