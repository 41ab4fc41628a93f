package natscore

const (
	headerID         = "meshbus-id"
	headerName       = "meshbus-name"
	headerProducedAt = "meshbus-produced-at"
	headerMetaPrefix = "meshbus-meta-"
)
