// Copyright (C) 2025 Heerozh.
// See LICENSE for copying information.

package memstore_test

import (
	"testing"

	"github.com/Heerozh/HeTu-sub001/schema"
	"github.com/Heerozh/HeTu-sub001/store"
	"github.com/Heerozh/HeTu-sub001/store/memstore"
	"github.com/Heerozh/HeTu-sub001/store/testsuite"
)

func TestSuite(t *testing.T) {
	testsuite.RunTests(t, func(t *testing.T, reg *schema.Registry) store.Backend {
		return memstore.New(reg)
	})
}
