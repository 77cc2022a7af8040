// Copyright (C) The Varstats Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package main

import (
	"github.com/varstats/varstats"
)

func main() {
	varstats.Main()
}
