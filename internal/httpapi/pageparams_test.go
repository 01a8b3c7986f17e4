package httpapi

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPageParamsDefaults(t *testing.T) {
	r := httptest.NewRequest("GET", "/x", nil)
	page, limit := pageParams(r)
	assert.Equal(t, 1, page)
	assert.Equal(t, 20, limit)
}

func TestPageParamsParsesQuery(t *testing.T) {
	r := httptest.NewRequest("GET", "/x?page=3&limit=50", nil)
	page, limit := pageParams(r)
	assert.Equal(t, 3, page)
	assert.Equal(t, 50, limit)
}

func TestPageParamsRejectsNonPositive(t *testing.T) {
	r := httptest.NewRequest("GET", "/x?page=0&limit=-5", nil)
	page, limit := pageParams(r)
	assert.Equal(t, 1, page)
	assert.Equal(t, 20, limit)
}
