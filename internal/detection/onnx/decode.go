package onnx

// candidate is a box that passed the score floor, before NMS
type candidate struct {
	box     [4]float32 // x1, y1, x2, y2 in frame pixels
	score   float32
	classID int
}

// decode reads raw YOLO output. dims is the tensor shape, either
// [1, boxes, 5+classes] for v5 or [1, 4+classes, boxes] for v8.
func decode(data []float32, dims []int, layout Layout, classes int, floor, scaleX, scaleY float32) []candidate {
	if len(dims) < 2 {
		return nil
	}
	rows, cols := dims[len(dims)-2], dims[len(dims)-1]
	if rows*cols > len(data) {
		return nil
	}

	var out []candidate
	switch layout {
	case LayoutV5:
		// Each row: cx, cy, w, h, objectness, class scores...
		if cols < 5+classes {
			return nil
		}
		for r := 0; r < rows; r++ {
			row := data[r*cols : (r+1)*cols]
			objectness := row[4]
			if objectness < floor {
				continue
			}
			classID, best := argmax(row[5 : 5+classes])
			score := objectness * best
			if score < floor {
				continue
			}
			out = append(out, candidate{
				box:     toCorners(row[0], row[1], row[2], row[3], scaleX, scaleY),
				score:   score,
				classID: classID,
			})
		}

	case LayoutV8:
		// Transposed: rows are cx, cy, w, h, class scores...; columns are boxes
		if rows < 4+classes {
			return nil
		}
		at := func(r, c int) float32 { return data[r*cols+c] }
		for c := 0; c < cols; c++ {
			classID, best := 0, float32(-1)
			for k := 0; k < classes; k++ {
				if s := at(4+k, c); s > best {
					classID, best = k, s
				}
			}
			if best < floor {
				continue
			}
			out = append(out, candidate{
				box:     toCorners(at(0, c), at(1, c), at(2, c), at(3, c), scaleX, scaleY),
				score:   best,
				classID: classID,
			})
		}
	}

	return out
}

func argmax(scores []float32) (int, float32) {
	idx, best := 0, float32(-1)
	for i, s := range scores {
		if s > best {
			idx, best = i, s
		}
	}
	return idx, best
}

func toCorners(cx, cy, w, h, scaleX, scaleY float32) [4]float32 {
	return [4]float32{
		(cx - w/2) * scaleX,
		(cy - h/2) * scaleY,
		(cx + w/2) * scaleX,
		(cy + h/2) * scaleY,
	}
}
