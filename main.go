// SPDX-License-Identifier: Apache-2.0

package main

import "github.com/endetect/ennotif/cmd"

func main() {
	cmd.Execute()
}
