package transfer

// Canonical metadata headers stamped onto stored objects and read back on
// download. The transfer pair describes the bytes on the wire, the content
// pair the logical bytes after decoding; with identity encoding the pairs
// are equal.
const (
	HeaderContentSHA256  = "x-amz-meta-content-sha256"
	HeaderContentLength  = "x-amz-meta-content-length"
	HeaderTransferSHA256 = "x-amz-meta-transfer-sha256"
	HeaderTransferLength = "x-amz-meta-transfer-length"
)

// S3 metadata keys carry the same names without the x-amz-meta- prefix; the
// SDK adds it on the wire.
const (
	metaContentSHA256  = "content-sha256"
	metaContentLength  = "content-length"
	metaTransferSHA256 = "transfer-sha256"
	metaTransferLength = "transfer-length"
)
