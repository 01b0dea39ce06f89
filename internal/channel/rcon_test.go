package channel

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseListResponseVanilla(t *testing.T) {
	list := parseListResponse("There are 2 of a max of 20 players online: Steve, Alex")

	assert.Equal(t, 2, list.Current)
	assert.Equal(t, 20, list.Max)
	assert.Equal(t, []string{"Steve", "Alex"}, list.Names)
}

func TestParseListResponseSlashFormat(t *testing.T) {
	list := parseListResponse("There are 3/10 players online: a, b, c")

	assert.Equal(t, 3, list.Current)
	assert.Equal(t, 10, list.Max)
	assert.Len(t, list.Names, 3)
}

func TestParseListResponseEmpty(t *testing.T) {
	list := parseListResponse("There are 0 of a max of 20 players online:")

	assert.Equal(t, 0, list.Current)
	assert.Equal(t, 20, list.Max)
	assert.Empty(t, list.Names)
}

func TestParseListResponseStripsColorCodes(t *testing.T) {
	list := parseListResponse("§aThere are §e1§a of a max of §e20§a players online: §bSteve")

	assert.Equal(t, 1, list.Current)
	assert.Equal(t, []string{"Steve"}, list.Names)
}

func TestParseListResponseNamesWinOverCount(t *testing.T) {
	// Some server mods report a stale count; the name list is authoritative.
	list := parseListResponse("There are 1 of a max of 20 players online: Steve, Alex, Notch")

	assert.Equal(t, 3, list.Current)
	assert.Len(t, list.Names, 3)
}

func TestParseListResponseUnrecognized(t *testing.T) {
	list := parseListResponse("some unexpected output")

	assert.Equal(t, 0, list.Current)
	assert.Equal(t, 20, list.Max, "max defaults when unparsed")
	assert.Empty(t, list.Names)
}
