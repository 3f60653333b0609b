package mask

// 6-connected structuring element used for dilation and erosion.
var cross = [6][3]int{
	{1, 0, 0}, {-1, 0, 0},
	{0, 1, 0}, {0, -1, 0},
	{0, 0, 1}, {0, 0, -1},
}

func dilate(dims [3]int, src []uint8, idx func(x, y, z int) int) []uint8 {
	out := make([]uint8, len(src))
	copy(out, src)
	for z := 0; z < dims[2]; z++ {
		for y := 0; y < dims[1]; y++ {
			for x := 0; x < dims[0]; x++ {
				if src[idx(x, y, z)] == 0 {
					continue
				}
				for _, d := range cross {
					nx, ny, nz := x+d[0], y+d[1], z+d[2]
					if nx >= 0 && nx < dims[0] && ny >= 0 && ny < dims[1] && nz >= 0 && nz < dims[2] {
						out[idx(nx, ny, nz)] = 1
					}
				}
			}
		}
	}
	return out
}

func erode(dims [3]int, src []uint8, idx func(x, y, z int) int) []uint8 {
	out := make([]uint8, len(src))
	for z := 0; z < dims[2]; z++ {
		for y := 0; y < dims[1]; y++ {
			for x := 0; x < dims[0]; x++ {
				if src[idx(x, y, z)] == 0 {
					continue
				}
				keep := uint8(1)
				for _, d := range cross {
					nx, ny, nz := x+d[0], y+d[1], z+d[2]
					// Out-of-grid neighbors count as foreground here,
					// so closing never shrinks masks at the border.
					if nx < 0 || nx >= dims[0] || ny < 0 || ny >= dims[1] || nz < 0 || nz >= dims[2] {
						continue
					}
					if src[idx(nx, ny, nz)] == 0 {
						keep = 0
						break
					}
				}
				out[idx(x, y, z)] = keep
			}
		}
	}
	return out
}

// Close applies one round of morphological closing (dilation followed
// by erosion) with a 6-connected structuring element, filling small
// interior holes without growing the overall extent.
func Close(m *Mask) *Mask {
	out := m.clone(m.Method)
	dims := [3]int{m.Dims.X, m.Dims.Y, m.Dims.Z}
	idx := m.Dims.Index
	out.data = erode(dims, dilate(dims, m.data, idx), idx)
	return out
}

// LargestComponent keeps only the largest 26-connected foreground
// component, discarding disconnected speckle. An empty mask is
// returned unchanged apart from identity.
func LargestComponent(m *Mask) *Mask {
	out := m.clone(m.Method)
	labels := make([]int32, len(m.data))
	var bestLabel int32
	bestSize := 0
	next := int32(1)

	var stack []int
	for start, v := range m.data {
		if v == 0 || labels[start] != 0 {
			continue
		}
		label := next
		next++
		size := 0
		stack = append(stack[:0], start)
		labels[start] = label
		for len(stack) > 0 {
			i := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			size++

			x := i % m.Dims.X
			y := (i / m.Dims.X) % m.Dims.Y
			z := i / (m.Dims.X * m.Dims.Y)
			for dz := -1; dz <= 1; dz++ {
				for dy := -1; dy <= 1; dy++ {
					for dx := -1; dx <= 1; dx++ {
						if dx == 0 && dy == 0 && dz == 0 {
							continue
						}
						nx, ny, nz := x+dx, y+dy, z+dz
						if !m.Dims.Contains(nx, ny, nz) {
							continue
						}
						ni := m.Dims.Index(nx, ny, nz)
						if m.data[ni] != 0 && labels[ni] == 0 {
							labels[ni] = label
							stack = append(stack, ni)
						}
					}
				}
			}
		}
		if size > bestSize {
			bestSize, bestLabel = size, label
		}
	}

	for i := range out.data {
		if labels[i] == bestLabel && bestLabel != 0 {
			out.data[i] = 1
		} else {
			out.data[i] = 0
		}
	}
	return out
}

// Refine applies the standard post-inference cleanup: morphological
// closing followed by largest-component extraction. Metadata,
// confidence, and method carry over from the input.
func Refine(m *Mask) *Mask {
	return LargestComponent(Close(m))
}
