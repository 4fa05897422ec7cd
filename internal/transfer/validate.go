package transfer

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"github.com/casecall/internal/models"
)

// documentExts is the allow-list of non-media extensions accepted as
// documents. Everything else is refused outright.
var documentExts = map[string]struct{}{
	".pdf":  {},
	".doc":  {},
	".docx": {},
	".xls":  {},
	".xlsx": {},
	".ppt":  {},
	".pptx": {},
	".txt":  {},
	".csv":  {},
	".rtf":  {},
	".odt":  {},
	".zip":  {},
}

// CategoryOf sniffs the content and normalizes it into a FileCategory.
// Classification is content-first; the extension only matters for the
// document allow-list.
func CategoryOf(fileName string, data []byte) (models.FileCategory, string, error) {
	mime := mimetype.Detect(data)
	mt := mime.String()
	switch {
	case strings.HasPrefix(mt, "image/"):
		return models.CategoryImage, mt, nil
	case strings.HasPrefix(mt, "video/"):
		return models.CategoryVideo, mt, nil
	case strings.HasPrefix(mt, "audio/"):
		return models.CategoryAudio, mt, nil
	}
	ext := strings.ToLower(filepath.Ext(fileName))
	if _, ok := documentExts[ext]; ok {
		return models.CategoryDocument, mt, nil
	}
	return "", mt, fmt.Errorf("%w: %s (%s)", ErrUnsupportedType, fileName, mt)
}

// ValidateFileType checks the file against the engine's category allow-list
// and returns its normalized category and sniffed MIME type.
func (e *Engine) ValidateFileType(fileName string, data []byte) (models.FileCategory, string, error) {
	category, mt, err := CategoryOf(fileName, data)
	if err != nil {
		return "", mt, err
	}
	if len(e.cfg.Allowed) == 0 {
		return category, mt, nil
	}
	for _, allowed := range e.cfg.Allowed {
		if allowed == category {
			return category, mt, nil
		}
	}
	return "", mt, fmt.Errorf("%w: category %s is not allowed", ErrUnsupportedType, category)
}

// ValidateFileSize checks the byte size against the configured maximum.
func (e *Engine) ValidateFileSize(size int64) error {
	if size <= 0 {
		return ErrEmptyFile
	}
	if size > e.cfg.MaxFileSize {
		return fmt.Errorf("%w: %d bytes exceeds limit of %d", ErrFileTooLarge, size, e.cfg.MaxFileSize)
	}
	return nil
}

// ValidatePickerResult re-validates a device capture/picker result before a
// transfer starts. Same predicates as any other file, no extra rules.
func (e *Engine) ValidatePickerResult(fileName string, data []byte) (models.FileCategory, error) {
	if err := e.ValidateFileSize(int64(len(data))); err != nil {
		return "", err
	}
	category, _, err := e.ValidateFileType(fileName, data)
	return category, err
}
