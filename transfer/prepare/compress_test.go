package prepare

import (
	"bytes"
	"io"
	"math/rand"
	"os"
	"testing"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPreparer_Prepare_gzipRoundTrip(t *testing.T) {
	content := bytes.Repeat([]byte("highly compressible content "), 10000)
	path := writeTempFile(t, content)

	p, err := NewPreparer(Config{Compression: EncodingGzip}, log.NewLogger())
	require.NoError(t, err)
	desc, err := p.Prepare(path)
	require.NoError(t, err)
	defer func() {
		require.NoError(t, os.Remove(desc.Filename))
	}()

	assert.Equal(t, EncodingGzip, desc.ContentEncoding)
	assert.NotEqual(t, path, desc.Filename)

	// logical side describes the original bytes
	assert.Equal(t, refSum(content), desc.SHA256)
	assert.EqualValues(t, len(content), desc.Size)

	// wire side describes the compressed temp file
	compressed, err := os.ReadFile(desc.Filename)
	require.NoError(t, err)
	assert.Equal(t, refSum(compressed), desc.TransferSHA256)
	assert.EqualValues(t, len(compressed), desc.TransferSize)
	assert.Less(t, desc.TransferSize, desc.Size)

	// decompressing the wire file reproduces the content byte for byte
	gz, err := gzip.NewReader(bytes.NewReader(compressed))
	require.NoError(t, err)
	restored, err := io.ReadAll(gz)
	require.NoError(t, err)
	assert.Equal(t, content, restored)
}

func TestPreparer_Prepare_gzipWithMultipartChunksTheCompressedFile(t *testing.T) {
	// incompressible input keeps the wire size above the multipart threshold
	content := make([]byte, 2*MinPartSize+MinPartSize/2)
	rand.New(rand.NewSource(1)).Read(content)
	path := writeTempFile(t, content)

	p, err := NewPreparer(Config{
		Compression:        EncodingGzip,
		PartSize:           MinPartSize,
		MultipartThreshold: MinPartSize,
	}, log.NewLogger())
	require.NoError(t, err)
	desc, err := p.Prepare(path)
	require.NoError(t, err)
	defer func() {
		require.NoError(t, os.Remove(desc.Filename))
	}()

	// chunking happened on the compressed output, not the source
	require.True(t, desc.Multipart())
	var total int64
	for i, part := range desc.Parts {
		if i < len(desc.Parts)-1 {
			assert.EqualValues(t, MinPartSize, part.Size)
		}
		total += part.Size
	}
	assert.Equal(t, desc.TransferSize, total)
	assert.Equal(t, refSum(content), desc.SHA256)
	assert.NotEqual(t, desc.SHA256, desc.TransferSHA256)
}
