package browser

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRunNavigateRequiresURL(t *testing.T) {
	_, err := runNavigate(context.Background(), nil, browserParams{})
	assert.Error(t, err)
}

func TestRunClickRequiresSelector(t *testing.T) {
	_, err := runClick(context.Background(), nil, browserParams{})
	assert.Error(t, err)
}

func TestRunTypeRequiresSelectorAndText(t *testing.T) {
	_, err := runType(context.Background(), nil, browserParams{Selector: "#x"})
	assert.Error(t, err)
}

func TestFailOutputMarksUnsuccessful(t *testing.T) {
	item := failOutput("call-1", "boom")
	assert.NotNil(t, item.Success)
	assert.False(t, *item.Success)
	assert.Equal(t, "boom", item.OutputText)
}
