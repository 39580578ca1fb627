package nn

import "sort"

// Class labels follow the COCO names that YOLO-family detectors emit.

// DefaultVehicleClasses are the classes that count as vehicles.
var DefaultVehicleClasses = []string{"car", "truck", "bus", "motorcycle"}

// ClassSet is an allow-list of class labels.
type ClassSet map[string]bool

func NewClassSet(classes []string) ClassSet {
	s := make(ClassSet, len(classes))
	for _, c := range classes {
		s[c] = true
	}
	return s
}

func (s ClassSet) Contains(class string) bool {
	return s[class]
}

// List returns the classes in the set, sorted.
func (s ClassSet) List() []string {
	list := make([]string, 0, len(s))
	for c := range s {
		list = append(list, c)
	}
	sort.Strings(list)
	return list
}
