/*
 * Copyright (C) 2024, Vizaxe
 *
 * This file is part of flowcache.
 *
 * flowcache is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * flowcache is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <https://www.gnu.org/licenses/>.
 */

package main

import (
	"github.com/Vizaxe/flowcache/coremain"
	"os"
)

func main() {
	if err := coremain.Run(); err != nil {
		os.Exit(1)
	}
}
