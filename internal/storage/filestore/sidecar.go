package filestore

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// SidecarSuffix — суффикс диагностического файла карантина.
const SidecarSuffix = ".error.txt"

// sidecarDateLayout — формат строки Date: в файле карантина.
const sidecarDateLayout = "2006-01-02 15:04:05"

// Sidecar — содержимое диагностического файла карантина.
type Sidecar struct {
	OrderRef string
	Error    string
	Attempts int
	Date     time.Time
}

// SidecarPath возвращает путь диагностического файла для файла данных:
// "/q/A-100.pdf" → "/q/A-100.error.txt".
func SidecarPath(dataFilePath string) string {
	ext := filepath.Ext(dataFilePath)
	return strings.TrimSuffix(dataFilePath, ext) + SidecarSuffix
}

// Format возвращает четыре строки в фиксированном порядке: Order, Error, Attempts, Date.
// Переводы строк и повторные пробелы в тексте ошибки схлопываются в один пробел.
func (s Sidecar) Format() string {
	errText := strings.Join(strings.Fields(s.Error), " ")
	return fmt.Sprintf("Order: %s\nError: %s\nAttempts: %d\nDate: %s\n",
		s.OrderRef, errText, s.Attempts, s.Date.Format(sidecarDateLayout))
}

// WriteSidecar атомарно записывает диагностический файл рядом с dataFilePath.
// Существующий файл перезаписывается. Возвращает путь записанного файла.
func WriteSidecar(dataFilePath string, s Sidecar) (string, error) {
	path := SidecarPath(dataFilePath)
	err := writeAtomic(path, func(w io.Writer) error {
		_, err := io.WriteString(w, s.Format())
		return err
	})
	if err != nil {
		return "", err
	}
	return path, nil
}

// writeAtomic записывает файл по схеме temp → fsync → atomic rename.
// При ошибке temp файл удаляется, а path остаётся нетронутым.
func writeAtomic(path string, write func(w io.Writer) error) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("не удалось создать директорию %s: %w", dir, err)
	}

	tmpPath := path + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("ошибка создания временного файла: %w", err)
	}

	if err := write(f); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка записи: %w", err)
	}

	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка fsync: %w", err)
	}

	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка закрытия файла: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка атомарного переименования: %w", err)
	}

	return nil
}

// RemoveSidecar удаляет диагностический файл для dataFilePath.
// Отсутствие файла ошибкой не считается.
func RemoveSidecar(dataFilePath string) error {
	err := os.Remove(SidecarPath(dataFilePath))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
