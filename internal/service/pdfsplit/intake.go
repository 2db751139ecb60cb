package pdfsplit

import (
	"archive/zip"
	"bytes"
	"io"
	"path"
	"strings"

	"github.com/matterdock/matterdock-backend/internal/domain/errors"
)

// UploadFile is one PDF accepted from an upload, either directly or from
// inside a ZIP archive.
type UploadFile struct {
	Name string
	Data []byte
}

var zipMagic = []byte{'P', 'K', 0x03, 0x04}

// AcceptUpload validates an uploaded file and returns the PDFs it
// carries. A bare PDF yields itself; a ZIP yields its PDF members.
func AcceptUpload(filename string, data []byte) ([]UploadFile, error) {
	switch {
	case bytes.HasPrefix(data, []byte("%PDF-")):
		return []UploadFile{{Name: path.Base(filename), Data: data}}, nil
	case bytes.HasPrefix(data, zipMagic) || strings.EqualFold(path.Ext(filename), ".zip"):
		return extractZip(data)
	default:
		return nil, errors.NewInvalidFileType("pdf", "zip")
	}
}

// extractZip reads every PDF member of the archive into memory.
// Directories, macOS resource forks, and non-PDF members are skipped.
func extractZip(data []byte) ([]UploadFile, error) {
	reader, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, errors.NewInvalidZip().WithCause(err)
	}

	var files []UploadFile
	for _, member := range reader.File {
		if member.FileInfo().IsDir() {
			continue
		}
		name := path.Base(member.Name)
		if strings.HasPrefix(member.Name, "__MACOSX/") || strings.HasPrefix(name, ".") {
			continue
		}
		if !strings.EqualFold(path.Ext(name), ".pdf") {
			continue
		}

		rc, err := member.Open()
		if err != nil {
			return nil, errors.NewInvalidZip().WithCause(err)
		}
		content, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, errors.NewInvalidZip().WithCause(err)
		}
		files = append(files, UploadFile{Name: name, Data: content})
	}

	if len(files) == 0 {
		return nil, errors.NewNoPDFsInZip()
	}
	return files, nil
}
