/**
 * Copyright (c) 2024 Peking University and Peking University
 * Changsha Institute for Computing and Digital Economy
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as
 * published by the Free Software Foundation, either version 3 of the
 * License, or (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <https://www.gnu.org/licenses/>.
 */

package util

import (
	"io"

	"github.com/olekukonko/tablewriter"
)

const maxCellWidth = 30

func SetBorderlessTable(table *tablewriter.Table) {
	table.SetBorder(false)
	table.SetAutoFormatHeaders(true)
	table.SetAutoWrapText(false)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetTablePadding("  ")
	table.SetNoWhiteSpace(true)
}

func SetBorderTable(table *tablewriter.Table) {
	table.SetBorders(tablewriter.Border{Left: true, Top: true, Right: true, Bottom: true})
	table.SetAutoFormatHeaders(true)
	table.SetAutoWrapText(true)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetCenterSeparator("|")
	table.SetTablePadding("\t")
}

// RenderTable writes rows under header. Long cells are cut to keep columns
// readable, except for the column indexes listed in keep.
func RenderTable(w io.Writer, header []string, rows [][]string, bordered bool, noHeader bool, keep ...int) {
	table := tablewriter.NewWriter(w)
	if bordered {
		SetBorderTable(table)
	} else {
		SetBorderlessTable(table)
	}
	if !noHeader {
		table.SetHeader(header)
	}
	TrimTableExcept(&rows, keep...)
	table.AppendBulk(rows)
	table.Render()
}

// TrimTableExcept cuts cells longer than 30 characters and appends `...`.
// `excepts` lists the columns left untouched.
func TrimTableExcept(rows *[][]string, excepts ...int) {
	removal := make(map[int]bool)
	for _, except := range excepts {
		removal[except] = true
	}

	for i, row := range *rows {
		for j, cell := range row {
			if removal[j] {
				continue
			}
			if len(cell) > maxCellWidth {
				(*rows)[i][j] = cell[:maxCellWidth] + "..."
			}
		}
	}
}
