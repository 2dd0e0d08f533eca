package storeid

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOIDVPID(t *testing.T) {
	o := OID{Volume: 1, Page: 7, Slot: 3, Group: 5}
	assert.Equal(t, VPID{Volume: 1, Page: 7}, o.VPID())
}

func TestNullOID(t *testing.T) {
	assert.True(t, NullOID.IsNull())
	assert.False(t, (OID{Page: 1}).IsNull())
}

func TestStringers(t *testing.T) {
	o := OID{Volume: 1, Page: 2, Slot: 3, Group: 4}
	assert.NotEmpty(t, o.String())

	h := HFID{File: FileID{Volume: 1, FileSeq: 2}, HeaderPage: VPID{Volume: 1, Page: 0}}
	assert.NotEmpty(t, h.String())
}
