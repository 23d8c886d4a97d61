package messaging

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestNewTextDefaults(t *testing.T) {
	m := NewText("hi")

	assert.NotEqual(t, uuid.Nil, m.ID)
	assert.Equal(t, KindText, m.Kind)
	assert.Equal(t, "hi", m.Text)
	assert.True(t, m.Mine)
	assert.Nil(t, m.File)
	assert.False(t, m.CreatedAt.IsZero())
}

func TestCategoryOf(t *testing.T) {
	tests := map[string]Category{
		"a.png":      CategoryImage,
		"b.JPEG":     CategoryImage,
		"c.gif":      CategoryImage,
		"d.bmp":      CategoryImage,
		"e.pdf":      CategoryOther,
		"noext":      CategoryOther,
		"archive.gz": CategoryOther,
	}
	for name, want := range tests {
		assert.Equal(t, want, CategoryOf(name), name)
	}
}

func TestNewAttachment(t *testing.T) {
	img := NewAttachment(FileResource{ID: uuid.New(), Name: "cat.png", Category: CategoryImage})
	assert.Equal(t, KindImage, img.Kind)
	assert.Equal(t, "cat.png", img.File.Name)

	doc := NewAttachment(FileResource{ID: uuid.New(), Name: "doc.txt", Category: CategoryOther})
	assert.Equal(t, KindFile, doc.Kind)
}

func TestMessageCopiesAreIndependent(t *testing.T) {
	m := NewText("x")
	c := m
	c.State = StateFailed

	assert.NotEqual(t, m.State, c.State)
	assert.Equal(t, m.ID, c.ID, "copies keep their identity")
}
