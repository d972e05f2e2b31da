// Package vecindex is an in-memory inverted-file (IVF) flat index over
// squared L2 distance. It holds every story part vector, partitioned by
// a k-means coarse quantizer, and is rebuilt from the embedding store
// at startup; nothing here persists.
package vecindex

import (
	"container/heap"
	"errors"
	"fmt"
	"sort"
	"sync"
)

const (
	DefaultNLists     = 100
	DefaultNProbe     = 35
	DefaultTrainIters = 25
)

// ErrNotTrained is returned by Search before the first Build.
var ErrNotTrained = errors.New("vecindex: index not trained")

// Point is one part vector owned by a story. A story with a multi-part
// document owns several points.
type Point struct {
	Story  int64
	Vector []float32
}

// Hit is a search result, ascending Distance (squared L2). One hit per
// story: the closest part survives deduplication.
type Hit struct {
	Story    int64
	Distance float32
}

type Options struct {
	NLists     int
	NProbe     int
	TrainIters int
	Seed       int64
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.NLists <= 0 {
		out.NLists = DefaultNLists
	}
	if out.NProbe <= 0 {
		out.NProbe = DefaultNProbe
	}
	if out.TrainIters <= 0 {
		out.TrainIters = DefaultTrainIters
	}
	return out
}

type entry struct {
	story int64
	vec   []float32
}

// Index supports many concurrent searches between serialized updates.
// An Update removes and re-adds a story's points under one write lock,
// so readers never see a story half-replaced.
type Index struct {
	mu        sync.RWMutex
	dim       int
	opts      Options
	centroids [][]float32
	cells     [][]entry
	npoints   int
	trained   bool
}

func New(dim int, opts Options) (*Index, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("dimension must be positive")
	}
	return &Index{dim: dim, opts: opts.withDefaults()}, nil
}

// Build trains the coarse quantizer on points and assigns all of them.
// An empty point set leaves a trained, empty index that answers no
// hits. Build replaces any previous contents.
func (ix *Index) Build(points []Point) error {
	for _, p := range points {
		if len(p.Vector) != ix.dim {
			return fmt.Errorf("point of story %d has dimension %d, want %d", p.Story, len(p.Vector), ix.dim)
		}
	}

	var centroids [][]float32
	var cells [][]entry
	if len(points) > 0 {
		vecs := make([][]float32, len(points))
		for i, p := range points {
			vecs[i] = p.Vector
		}
		// Fewer points than cells degrades towards flat search.
		nlists := ix.opts.NLists
		if nlists > len(points) {
			nlists = len(points)
		}
		centroids = kmeans(vecs, nlists, ix.opts.TrainIters, ix.opts.Seed)
		cells = make([][]entry, len(centroids))
		for _, p := range points {
			c := nearestCentroid(centroids, p.Vector)
			cells[c] = append(cells[c], entry{story: p.Story, vec: p.Vector})
		}
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.centroids = centroids
	ix.cells = cells
	ix.npoints = len(points)
	ix.trained = true
	return nil
}

// Ready reports whether Build has completed.
func (ix *Index) Ready() bool {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.trained
}

// Len returns the number of indexed points.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.npoints
}

// Update replaces every point of the story with vectors. An empty
// vectors slice removes the story from the index.
func (ix *Index) Update(story int64, vectors [][]float32) error {
	if story <= 0 {
		return fmt.Errorf("story id must be positive")
	}
	for _, v := range vectors {
		if len(v) != ix.dim {
			return fmt.Errorf("vector for story %d has dimension %d, want %d", story, len(v), ix.dim)
		}
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()
	if !ix.trained {
		return ErrNotTrained
	}
	for c := range ix.cells {
		kept := ix.cells[c][:0]
		for _, e := range ix.cells[c] {
			if e.story != story {
				kept = append(kept, e)
			} else {
				ix.npoints--
			}
		}
		ix.cells[c] = kept
	}
	if len(ix.centroids) == 0 {
		// Built empty; nothing to assign against yet. The next full
		// Build picks these vectors up from the store.
		return nil
	}
	for _, v := range vectors {
		c := nearestCentroid(ix.centroids, v)
		ix.cells[c] = append(ix.cells[c], entry{story: story, vec: v})
		ix.npoints++
	}
	return nil
}

// maxHeap keeps the k closest candidates; the root is the worst kept.
type maxHeap []Hit

func (h maxHeap) Len() int           { return len(h) }
func (h maxHeap) Less(i, j int) bool { return h[i].Distance > h[j].Distance }
func (h maxHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *maxHeap) Push(x any)        { *h = append(*h, x.(Hit)) }

func (h *maxHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// Search scans the NProbe nearest cells for the k closest points, then
// deduplicates by story keeping the first (closest) occurrence. The
// result is ascending by distance and may hold fewer than k stories.
func (ix *Index) Search(vec []float32, k int) ([]Hit, error) {
	if len(vec) != ix.dim {
		return nil, fmt.Errorf("query has dimension %d, want %d", len(vec), ix.dim)
	}
	if k <= 0 {
		return nil, nil
	}

	ix.mu.RLock()
	defer ix.mu.RUnlock()
	if !ix.trained {
		return nil, ErrNotTrained
	}
	if len(ix.centroids) == 0 {
		return nil, nil
	}

	// Pick the nprobe nearest cells.
	type cellDist struct {
		cell int
		dist float32
	}
	dists := make([]cellDist, len(ix.centroids))
	for c, cent := range ix.centroids {
		dists[c] = cellDist{cell: c, dist: sqDist(cent, vec)}
	}
	sort.Slice(dists, func(i, j int) bool { return dists[i].dist < dists[j].dist })
	nprobe := ix.opts.NProbe
	if nprobe > len(dists) {
		nprobe = len(dists)
	}

	h := make(maxHeap, 0, k+1)
	for _, cd := range dists[:nprobe] {
		for _, e := range ix.cells[cd.cell] {
			d := sqDist(e.vec, vec)
			if len(h) < k {
				heap.Push(&h, Hit{Story: e.story, Distance: d})
			} else if d < h[0].Distance {
				h[0] = Hit{Story: e.story, Distance: d}
				heap.Fix(&h, 0)
			}
		}
	}

	ranked := make([]Hit, len(h))
	copy(ranked, h)
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Distance != ranked[j].Distance {
			return ranked[i].Distance < ranked[j].Distance
		}
		return ranked[i].Story < ranked[j].Story
	})

	seen := make(map[int64]struct{}, len(ranked))
	out := ranked[:0]
	for _, hit := range ranked {
		if _, ok := seen[hit.Story]; ok {
			continue
		}
		seen[hit.Story] = struct{}{}
		out = append(out, hit)
	}
	return out, nil
}
