package regions

// FaceMeshTopology returns the 468/478-vertex face mesh connection sets.
// Adapters whose model cannot report its own topology at runtime use this table.
func FaceMeshTopology() Topology {
	return Topology{
		LeftEye: {
			{263, 249}, {249, 390}, {390, 373}, {373, 374}, {374, 380}, {380, 381}, {381, 382}, {382, 362},
			{263, 466}, {466, 388}, {388, 387}, {387, 386}, {386, 385}, {385, 384}, {384, 398}, {398, 362},
		},
		LeftBrow: {
			{276, 283}, {283, 282}, {282, 295}, {295, 285},
			{300, 293}, {293, 334}, {334, 296}, {296, 336},
		},
		RightEye: {
			{33, 7}, {7, 163}, {163, 144}, {144, 145}, {145, 153}, {153, 154}, {154, 155}, {155, 133},
			{33, 246}, {246, 161}, {161, 160}, {160, 159}, {159, 158}, {158, 157}, {157, 173}, {173, 133},
		},
		RightBrow: {
			{46, 53}, {53, 52}, {52, 65}, {65, 55},
			{70, 63}, {63, 105}, {105, 66}, {66, 107},
		},
		Lips: {
			{61, 146}, {146, 91}, {91, 181}, {181, 84}, {84, 17}, {17, 314}, {314, 405}, {405, 321}, {321, 375}, {375, 291},
			{61, 185}, {185, 40}, {40, 39}, {39, 37}, {37, 0}, {0, 267}, {267, 269}, {269, 270}, {270, 409}, {409, 291},
			{78, 95}, {95, 88}, {88, 178}, {178, 87}, {87, 14}, {14, 317}, {317, 402}, {402, 318}, {318, 324}, {324, 308},
			{78, 191}, {191, 80}, {80, 81}, {81, 82}, {82, 13}, {13, 312}, {312, 311}, {311, 310}, {310, 415}, {415, 308},
		},
		Nose: {
			{168, 6}, {6, 197}, {197, 195}, {195, 5}, {5, 4}, {4, 1}, {1, 19}, {19, 94}, {94, 2},
			{98, 97}, {97, 2}, {2, 326}, {326, 327}, {327, 294}, {294, 278}, {278, 344}, {344, 440},
			{440, 275}, {275, 4}, {4, 45}, {45, 220}, {220, 115}, {115, 48}, {48, 64}, {64, 98},
		},
	}
}
