package prepare

// Part is one contiguous byte range of the wire stream, uploaded as one
// independent request. Remote part numbers are the 1-based index of the
// part in the descriptor's list.
type Part struct {
	SHA256 string
	Size   int64
	Start  int64
}

// Descriptor is everything the executor needs to move one file: the path of
// the wire file (the gzip output when compression is on), the logical
// digest/size of the uncompressed content, the digest/size of the bytes as
// they travel, the content encoding and, for multipart transfers, the
// ordered part list.
//
// TransferSHA256 and TransferSize are always set; with identity encoding
// they equal SHA256 and Size exactly.
type Descriptor struct {
	Filename        string
	SHA256          string
	Size            int64
	TransferSHA256  string
	TransferSize    int64
	ContentEncoding string
	Parts           []Part
}

// Multipart reports whether the transfer is split into parts.
func (d *Descriptor) Multipart() bool {
	return len(d.Parts) > 0
}
