package domain

var Tables = []interface{}{
	// Pairing
	&PairingHistory{},
}
